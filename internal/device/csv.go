package device

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
)

// CSV column layout. Tag columns are prefixed with "TAG:" and LoRaWAN
// setting columns with "LORA:"; LoRaWAN columns are empty for plain devices.
const (
	colID        = "id"
	colName      = "name"
	colModelID   = "model_id"
	colIsEnabled = "is_enabled"
	tagPrefix    = "TAG:"
	loraPrefix   = "LORA:"
)

type loraColumn struct {
	name string
	get  func(*LoRaWANSettings) string
	set  func(*LoRaWANSettings, string) error
}

func stringColumn(name string, field func(*LoRaWANSettings) *string) loraColumn {
	return loraColumn{
		name: name,
		get:  func(s *LoRaWANSettings) string { return *field(s) },
		set:  func(s *LoRaWANSettings, v string) error { *field(s) = v; return nil },
	}
}

func intColumn(name string, field func(*LoRaWANSettings) **int) loraColumn {
	return loraColumn{
		name: name,
		get: func(s *LoRaWANSettings) string {
			if p := *field(s); p != nil {
				return strconv.Itoa(*p)
			}
			return ""
		},
		set: func(s *LoRaWANSettings, v string) error {
			if v == "" {
				*field(s) = nil
				return nil
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %q is not an integer", name, v)
			}
			*field(s) = &n
			return nil
		},
	}
}

func boolColumn(name string, field func(*LoRaWANSettings) **bool) loraColumn {
	return loraColumn{
		name: name,
		get: func(s *LoRaWANSettings) string {
			if p := *field(s); p != nil {
				return strconv.FormatBool(*p)
			}
			return ""
		},
		set: func(s *LoRaWANSettings, v string) error {
			if v == "" {
				*field(s) = nil
				return nil
			}
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %q is not a boolean", name, v)
			}
			*field(s) = &b
			return nil
		},
	}
}

var loraColumns = []loraColumn{
	{
		name: "UseOTAA",
		get:  func(s *LoRaWANSettings) string { return strconv.FormatBool(s.UseOTAA) },
		set: func(s *LoRaWANSettings, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("UseOTAA: %q is not a boolean", v)
			}
			s.UseOTAA = b
			return nil
		},
	},
	stringColumn(propAppEUI, func(s *LoRaWANSettings) *string { return &s.AppEUI }),
	stringColumn(propAppKey, func(s *LoRaWANSettings) *string { return &s.AppKey }),
	stringColumn(propAppSKey, func(s *LoRaWANSettings) *string { return &s.AppSKey }),
	stringColumn(propNwkSKey, func(s *LoRaWANSettings) *string { return &s.NwkSKey }),
	stringColumn(propDevAddr, func(s *LoRaWANSettings) *string { return &s.DevAddr }),
	{
		name: propClassType,
		get:  func(s *LoRaWANSettings) string { return string(s.ClassType) },
		set:  func(s *LoRaWANSettings, v string) error { s.ClassType = devicemodel.ClassType(v); return nil },
	},
	stringColumn(propSensorDecoder, func(s *LoRaWANSettings) *string { return &s.SensorDecoder }),
	stringColumn(propGatewayID, func(s *LoRaWANSettings) *string { return &s.GatewayID }),
	{
		name: propDeduplication,
		get:  func(s *LoRaWANSettings) string { return string(s.Deduplication) },
		set:  func(s *LoRaWANSettings, v string) error { s.Deduplication = devicemodel.Deduplication(v); return nil },
	},
	{
		name: propPreferredWindow,
		get:  func(s *LoRaWANSettings) string { return strconv.Itoa(s.PreferredWindow) },
		set: func(s *LoRaWANSettings, v string) error {
			if v == "" {
				s.PreferredWindow = 0
				return nil
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("PreferredWindow: %q is not an integer", v)
			}
			s.PreferredWindow = n
			return nil
		},
	},
	boolColumn(propDownlink, func(s *LoRaWANSettings) **bool { return &s.Downlink }),
	intColumn(propRX1DROffset, func(s *LoRaWANSettings) **int { return &s.RX1DROffset }),
	intColumn(propRX2DataRate, func(s *LoRaWANSettings) **int { return &s.RX2DataRate }),
	intColumn(propRXDelay, func(s *LoRaWANSettings) **int { return &s.RXDelay }),
	intColumn(propKeepAliveTimeout, func(s *LoRaWANSettings) **int { return &s.KeepAliveTimeout }),
	boolColumn(propABPRelaxMode, func(s *LoRaWANSettings) **bool { return &s.ABPRelaxMode }),
	intColumn(propFCntUpStart, func(s *LoRaWANSettings) **int { return &s.FCntUpStart }),
	intColumn(propFCntDownStart, func(s *LoRaWANSettings) **int { return &s.FCntDownStart }),
	intColumn(propFCntResetCounter, func(s *LoRaWANSettings) **int { return &s.FCntResetCounter }),
	boolColumn(propSupports32BitFCnt, func(s *LoRaWANSettings) **bool { return &s.Supports32BitFCnt }),
}

// ImportError describes one rejected import line.
type ImportError struct {
	Line    int    `json:"line"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// ImportReport summarises an import.
type ImportReport struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Errors  []ImportError `json:"errors"`
}

// Export writes every mirrored device as CSV, one column per defined tag.
func (s *Service) Export(ctx context.Context, w io.Writer) error {
	defined, err := s.tags.Defined(ctx)
	if err != nil {
		return err
	}
	tagNames := make([]string, 0, len(defined))
	for name := range defined {
		tagNames = append(tagNames, name)
	}
	sort.Strings(tagNames)

	plain, err := s.repo.ListAllDevices(ctx)
	if err != nil {
		return err
	}
	lora, err := s.repo.ListAllLoRaWANDevices(ctx)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	header := []string{colID, colName, colModelID, colIsEnabled}
	for _, name := range tagNames {
		header = append(header, tagPrefix+name)
	}
	for _, c := range loraColumns {
		header = append(header, loraPrefix+c.name)
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing export header: %w", err)
	}

	row := func(d *Device, settings *LoRaWANSettings) []string {
		rec := []string{d.ID, d.Name, d.ModelID, strconv.FormatBool(d.IsEnabled)}
		for _, name := range tagNames {
			rec = append(rec, d.Tags[name])
		}
		for _, c := range loraColumns {
			if settings == nil {
				rec = append(rec, "")
			} else {
				rec = append(rec, c.get(settings))
			}
		}
		return rec
	}
	for i := range plain {
		if err := cw.Write(row(&plain[i], nil)); err != nil {
			return fmt.Errorf("writing export row: %w", err)
		}
	}
	for i := range lora {
		if err := cw.Write(row(&lora[i].Device, &lora[i].LoRa)); err != nil {
			return fmt.Errorf("writing export row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Import reads devices in the Export layout. Existing devices are
// updated and new ones created; a bad line is reported and skipped.
func (s *Service) Import(ctx context.Context, r io.Reader) (*ImportReport, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrInvalidImport)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidImport, err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{colID, colName, colModelID} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrInvalidImport, required)
		}
	}

	report := &ImportReport{Errors: []ImportError{}}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			report.Errors = append(report.Errors, ImportError{Line: line, Message: err.Error()})
			continue
		}
		id := field(rec, index, colID)
		created, err := s.importRow(ctx, rec, index)
		switch {
		case err != nil:
			report.Errors = append(report.Errors, ImportError{Line: line, ID: id, Message: err.Error()})
		case created:
			report.Created++
		default:
			report.Updated++
		}
	}
	s.logger.Info("device import finished", "created", report.Created, "updated", report.Updated, "errors", len(report.Errors))
	return report, nil
}

func (s *Service) importRow(ctx context.Context, rec []string, index map[string]int) (bool, error) {
	d := Device{
		ID:        field(rec, index, colID),
		Name:      field(rec, index, colName),
		ModelID:   field(rec, index, colModelID),
		IsEnabled: true,
		Tags:      map[string]string{},
	}
	if v := field(rec, index, colIsEnabled); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("is_enabled: %q is not a boolean", v)
		}
		d.IsEnabled = b
	}
	for col := range index {
		if name, ok := strings.CutPrefix(col, tagPrefix); ok {
			if v := field(rec, index, col); v != "" {
				d.Tags[name] = v
			}
		}
	}

	m, err := s.model(ctx, d.ModelID)
	if err != nil {
		return false, err
	}

	if !m.SupportLoRaFeatures {
		if existing, err := s.repo.GetDevice(ctx, d.ID); err == nil {
			d.Labels = existing.Labels
			_, err = s.UpdateDevice(ctx, &d)
			return false, err
		}
		_, err := s.CreateDevice(ctx, &d)
		return true, err
	}

	ld := LoRaWANDevice{Device: d}
	for _, c := range loraColumns {
		if _, ok := index[loraPrefix+c.name]; !ok {
			continue
		}
		if err := c.set(&ld.LoRa, field(rec, index, loraPrefix+c.name)); err != nil {
			return false, err
		}
	}
	ld.ID = strings.ToUpper(ld.ID)
	if existing, err := s.repo.GetLoRaWANDevice(ctx, ld.ID); err == nil {
		ld.Labels = existing.Labels
		_, err = s.UpdateLoRaWANDevice(ctx, &ld)
		return false, err
	}
	_, err = s.CreateLoRaWANDevice(ctx, &ld)
	return true, err
}

func field(rec []string, index map[string]int, col string) string {
	i, ok := index[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
