package device

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

// Desired and reported property names the LoRaWAN network server reads
// and writes.
const (
	propAppEUI            = "AppEUI"
	propAppKey            = "AppKey"
	propAppSKey           = "AppSKey"
	propNwkSKey           = "NwkSKey"
	propDevAddr           = "DevAddr"
	propClassType         = "ClassType"
	propSensorDecoder     = "SensorDecoder"
	propGatewayID         = "GatewayID"
	propDeduplication     = "Deduplication"
	propPreferredWindow   = "PreferredWindow"
	propDownlink          = "Downlink"
	propRX1DROffset       = "RX1DROffset"
	propRX2DataRate       = "RX2DataRate"
	propRXDelay           = "RXDelay"
	propKeepAliveTimeout  = "KeepAliveTimeout"
	propABPRelaxMode      = "ABPRelaxMode"
	propFCntUpStart       = "FCntUpStart"
	propFCntDownStart     = "FCntDownStart"
	propFCntResetCounter  = "FCntResetCounter"
	propSupports32BitFCnt = "Supports32BitFCnt"

	reportedDataRate = "DataRate"
	reportedTxPower  = "TxPower"
	reportedNbRep    = "NbRep"
)

// tagPatch builds the tag section of a twin patch. Custom tags present in
// previous but not in d are removed.
func tagPatch(d *Device, kind Kind, previous map[string]string) map[string]any {
	tags := map[string]any{
		iothub.TagDeviceName: d.Name,
		iothub.TagModelID:    d.ModelID,
	}
	if kind == KindLoRaWAN {
		tags[iothub.TagDeviceType] = iothub.DeviceTypeLoRa
	}
	for name := range previous {
		if _, ok := d.Tags[name]; !ok {
			tags[name] = nil
		}
	}
	for name, value := range d.Tags {
		tags[name] = value
	}
	return tags
}

// loraDesired maps LoRaWAN settings to desired properties. Unset optional
// values are nil so a patch clears them.
func loraDesired(s *LoRaWANSettings) map[string]any {
	str := func(v string) any {
		if v == "" {
			return nil
		}
		return v
	}
	out := map[string]any{
		propClassType:         string(s.ClassType),
		propDeduplication:     string(s.Deduplication),
		propPreferredWindow:   s.PreferredWindow,
		propSensorDecoder:     str(s.SensorDecoder),
		propGatewayID:         str(s.GatewayID),
		propDownlink:          ptrValue(s.Downlink),
		propRX1DROffset:       ptrValue(s.RX1DROffset),
		propRX2DataRate:       ptrValue(s.RX2DataRate),
		propRXDelay:           ptrValue(s.RXDelay),
		propKeepAliveTimeout:  ptrValue(s.KeepAliveTimeout),
		propABPRelaxMode:      ptrValue(s.ABPRelaxMode),
		propFCntUpStart:       ptrValue(s.FCntUpStart),
		propFCntDownStart:     ptrValue(s.FCntDownStart),
		propFCntResetCounter:  ptrValue(s.FCntResetCounter),
		propSupports32BitFCnt: ptrValue(s.Supports32BitFCnt),
	}
	if s.UseOTAA {
		out[propAppEUI] = s.AppEUI
		out[propAppKey] = s.AppKey
		out[propAppSKey], out[propNwkSKey], out[propDevAddr] = nil, nil, nil
	} else {
		out[propAppSKey] = s.AppSKey
		out[propNwkSKey] = s.NwkSKey
		out[propDevAddr] = s.DevAddr
		out[propAppEUI], out[propAppKey] = nil, nil
	}
	return out
}

// withoutNulls drops nil values. Creating a twin has nothing to clear.
func withoutNulls(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func ptrValue[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

// deviceFromTwin builds the mirror fields held by the hub. Only tags named
// in defined are kept; reserved tags map to dedicated fields.
func deviceFromTwin(t *iothub.Twin, defined map[string]bool) Device {
	d := Device{
		ID:                t.DeviceID,
		Name:              t.Tag(iothub.TagDeviceName),
		ModelID:           t.Tag(iothub.TagModelID),
		IsConnected:       t.IsConnected(),
		IsEnabled:         t.IsEnabled(),
		StatusUpdatedTime: t.StatusUpdateTime,
		LastActivityTime:  t.LastActivityTime,
		Version:           t.Version,
		Tags:              map[string]string{},
	}
	if d.Name == "" {
		d.Name = t.DeviceID
	}
	for name := range t.Tags {
		if defined[name] {
			if v := t.Tag(name); v != "" {
				d.Tags[name] = v
			}
		}
	}
	return d
}

// loraFromTwin reads LoRaWAN settings back from a twin's desired and
// reported properties.
func loraFromTwin(t *iothub.Twin) (LoRaWANSettings, bool) {
	desired := func(name string) any {
		v, _ := t.Desired(name)
		return v
	}
	s := LoRaWANSettings{
		AppEUI:            asString(desired(propAppEUI)),
		AppKey:            asString(desired(propAppKey)),
		AppSKey:           asString(desired(propAppSKey)),
		NwkSKey:           asString(desired(propNwkSKey)),
		DevAddr:           asString(desired(propDevAddr)),
		ClassType:         devicemodel.ClassType(asString(desired(propClassType))),
		SensorDecoder:     asString(desired(propSensorDecoder)),
		GatewayID:         asString(desired(propGatewayID)),
		Deduplication:     devicemodel.Deduplication(asString(desired(propDeduplication))),
		Downlink:          asBool(desired(propDownlink)),
		RX1DROffset:       asInt(desired(propRX1DROffset)),
		RX2DataRate:       asInt(desired(propRX2DataRate)),
		RXDelay:           asInt(desired(propRXDelay)),
		KeepAliveTimeout:  asInt(desired(propKeepAliveTimeout)),
		ABPRelaxMode:      asBool(desired(propABPRelaxMode)),
		FCntUpStart:       asInt(desired(propFCntUpStart)),
		FCntDownStart:     asInt(desired(propFCntDownStart)),
		FCntResetCounter:  asInt(desired(propFCntResetCounter)),
		Supports32BitFCnt: asBool(desired(propSupports32BitFCnt)),
	}
	s.UseOTAA = s.AppKey != "" || s.AppEUI != ""
	if pw := asInt(desired(propPreferredWindow)); pw != nil {
		s.PreferredWindow = *pw
	}

	if v, ok := t.Reported(reportedDataRate); ok {
		s.DataRate = asString(v)
	}
	if v, ok := t.Reported(reportedTxPower); ok {
		s.TxPower = asInt(v)
	}
	if v, ok := t.Reported(reportedNbRep); ok {
		s.NbRep = asInt(v)
	}
	// An OTAA device reports the address the network assigned it on join.
	_, joined := t.Reported(propDevAddr)
	return s, joined
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func asInt(v any) *int {
	var n int
	switch x := v.(type) {
	case float64:
		n = int(x)
	case int:
		n = x
	case int64:
		n = int(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return nil
		}
		n = int(i)
	default:
		return nil
	}
	return &n
}

func asBool(v any) *bool {
	var b bool
	switch x := v.(type) {
	case bool:
		b = x
	case string:
		b = strings.EqualFold(x, "true")
	default:
		return nil
	}
	return &b
}
