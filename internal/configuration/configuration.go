// Package configuration manages device configurations: hub configurations
// that set desired properties on the devices of one model, optionally
// narrowed by tag values.
//
// The hub is the only store. A configuration's content cannot change once
// created, so an update that changes property values replaces the
// configuration under the same ID.
package configuration

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/rollout"
)

// Domain errors.
var (
	ErrNotFound = errors.New("configuration: not found")
	ErrInvalid  = errors.New("configuration: invalid")
)

// Metric names of the custom metric queries attached to every
// configuration, and the hub's system metric names.
const (
	MetricSuccess = "successCount"
	MetricFailure = "failureCount"

	systemTargeted = "targetedCount"
	systemApplied  = "appliedCount"
)

// Kind is the kind label written on device configurations.
const Kind = "device-configuration"

const desiredPrefix = "properties.desired."

var idPattern = regexp.MustCompile(`^[a-z0-9\-:+%_#*?!(),=@;$']{1,128}$`)

// DeviceConfiguration is a configuration targeting the devices of a model.
// Properties holds desired property values as entered; they are converted
// to the model property types when rolled out.
type DeviceConfiguration struct {
	ID         string            `json:"id"`
	ModelID    string            `json:"model_id"`
	Tags       map[string]string `json:"tags"`
	Properties map[string]string `json:"properties"`
	Priority   int               `json:"priority"`
	Metrics    Metrics           `json:"metrics"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Metrics counts the devices a configuration reaches.
type Metrics struct {
	Targeted int64 `json:"targeted"`
	Applied  int64 `json:"applied"`
	Success  int64 `json:"success"`
	Failure  int64 `json:"failure"`
}

// NormalizeID lower-cases id and checks it against the hub's
// configuration ID rules.
func NormalizeID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("%w: id %q", ErrInvalid, id)
	}
	return id, nil
}

// TargetCondition renders the condition selecting a model's devices that
// carry every given tag value. Tags are ordered by name.
func TargetCondition(modelID string, tags map[string]string) string {
	conds := []string{"tags." + iothub.TagModelID + " = " + iothub.Quote(modelID)}
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		conds = append(conds, "tags."+name+" = "+iothub.Quote(tags[name]))
	}
	return strings.Join(conds, " AND ")
}

var tagCondPattern = regexp.MustCompile(`^tags\.([A-Za-z0-9_\-]+)\s*=\s*'((?:[^'\\]|\\.)*)'$`)

// ParseTargetCondition splits a condition built by TargetCondition back
// into its model and tags. ok is false for any other condition.
func ParseTargetCondition(cond string) (modelID string, tags map[string]string, ok bool) {
	tags = map[string]string{}
	for _, part := range strings.Split(cond, " AND ") {
		m := tagCondPattern.FindStringSubmatch(strings.TrimSpace(part))
		if m == nil {
			return "", nil, false
		}
		value := unquote(m[2])
		if m[1] == iothub.TagModelID {
			modelID = value
			continue
		}
		tags[m[1]] = value
	}
	return modelID, tags, modelID != ""
}

func unquote(s string) string {
	return strings.NewReplacer(`\'`, `'`, `\\`, `\`).Replace(s)
}

// fromHub maps a hub configuration. ok is false for model template
// rollouts, edge deployments and configurations not targeting a model.
func fromHub(cfg *iothub.Configuration) (*DeviceConfiguration, bool) {
	if rollout.IsTemplate(*cfg) || len(cfg.Content.ModulesContent) > 0 {
		return nil, false
	}
	modelID, tags, ok := ParseTargetCondition(cfg.TargetCondition)
	if !ok {
		return nil, false
	}
	props := make(map[string]string, len(cfg.Content.DeviceContent))
	for key, v := range cfg.Content.DeviceContent {
		if name, found := strings.CutPrefix(key, desiredPrefix); found {
			props[name] = formatValue(v)
		}
	}
	return &DeviceConfiguration{
		ID:         cfg.ID,
		ModelID:    modelID,
		Tags:       tags,
		Properties: props,
		Priority:   cfg.Priority,
		Metrics:    metricsOf(cfg),
		CreatedAt:  cfg.CreatedTimeUTC,
	}, true
}

func metricsOf(cfg *iothub.Configuration) Metrics {
	return Metrics{
		Targeted: cfg.SystemMetrics.Results[systemTargeted],
		Applied:  cfg.SystemMetrics.Results[systemApplied],
		Success:  cfg.Metrics.Results[MetricSuccess],
		Failure:  cfg.Metrics.Results[MetricFailure],
	}
}

// metricQueries counts devices reporting the configuration's outcome.
func metricQueries(id string) map[string]string {
	return map[string]string{
		MetricSuccess: "SELECT deviceId FROM devices WHERE configurations.[[" + id + "]].status = 'Applied'",
		MetricFailure: "SELECT deviceId FROM devices WHERE configurations.[[" + id + "]].status = 'Error'",
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprint(x)
	}
}
