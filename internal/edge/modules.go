package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

// Direct methods of $edgeAgent.
const (
	MethodRestartModule = "RestartModule"
	MethodGetModuleLogs = "GetModuleLogs"
)

const (
	methodTimeout = 30
	logTail       = 300
)

// ExecuteModuleMethod invokes a direct method on a module of an edge
// device. RestartModule is sent to $edgeAgent; any other method must be a
// command the module declares in the device's model.
func (s *Service) ExecuteModuleMethod(ctx context.Context, deviceID, module, method string) (*iothub.MethodResult, error) {
	d, err := s.repo.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	target := module
	req := iothub.MethodRequest{
		MethodName:               method,
		ResponseTimeoutInSeconds: methodTimeout,
		ConnectTimeoutInSeconds:  methodTimeout,
	}
	if method == MethodRestartModule {
		target = AgentModule
		req.Payload = map[string]any{"schemaVersion": "1.0", "id": module}
	} else {
		mod, err := s.modelModule(ctx, d.ModelID, module)
		if err != nil {
			return nil, err
		}
		if !hasCommand(mod, method) {
			return nil, fmt.Errorf("%w: %s on module %s", ErrUnknownMethod, method, module)
		}
	}

	res, err := s.hub.InvokeMethod(ctx, deviceID, target, req)
	if err != nil {
		return nil, hubError(deviceID, err)
	}
	s.logger.Info("module method invoked", "id", deviceID, "module", module, "method", method, "status", res.Status)
	return res, nil
}

// GetModuleLogs fetches the latest log lines of a module through the
// $edgeAgent GetModuleLogs method.
func (s *Service) GetModuleLogs(ctx context.Context, deviceID, module string) ([]ModuleLog, error) {
	if _, err := s.repo.DeviceVersion(ctx, deviceID); err != nil {
		return nil, err
	}
	res, err := s.hub.InvokeMethod(ctx, deviceID, AgentModule, iothub.MethodRequest{
		MethodName: MethodGetModuleLogs,
		Payload: map[string]any{
			"schemaVersion": "1.0",
			"items": []any{
				map[string]any{"id": module, "filter": map[string]any{"tail": logTail}},
			},
			"encoding":    "none",
			"contentType": "json",
		},
		ResponseTimeoutInSeconds: methodTimeout,
		ConnectTimeoutInSeconds:  methodTimeout,
	})
	if err != nil {
		return nil, hubError(deviceID, err)
	}
	if res.Status < 200 || res.Status > 299 {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrMethodFailed, MethodGetModuleLogs, res.Status)
	}
	return parseModuleLogs(module, res.Payload)
}

func (s *Service) modelModule(ctx context.Context, modelID, name string) (*Module, error) {
	model, err := s.repo.GetModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	for i := range model.Modules {
		if model.Modules[i].Name == name {
			return &model.Modules[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s in model %s", ErrModuleNotFound, name, modelID)
}

func hasCommand(mod *Module, name string) bool {
	for _, c := range mod.Commands {
		if c.Name == name {
			return true
		}
	}
	return false
}

type logItem struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type logLine struct {
	ModuleID  string    `json:"moduleId"`
	TimeStamp time.Time `json:"timeStamp"`
	LogLevel  int       `json:"logLevel"`
	Text      string    `json:"text"`
}

// parseModuleLogs decodes a GetModuleLogs response. Older runtimes send
// each item's payload as a JSON string holding the array.
func parseModuleLogs(module string, raw json.RawMessage) ([]ModuleLog, error) {
	logs := []ModuleLog{}
	if len(raw) == 0 {
		return logs, nil
	}
	var items []logItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: decoding logs: %v", ErrMethodFailed, err)
	}
	for _, item := range items {
		payload := item.Payload
		var inner string
		if err := json.Unmarshal(payload, &inner); err == nil {
			payload = json.RawMessage(inner)
		}
		var lines []logLine
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &lines); err != nil {
				return nil, fmt.Errorf("%w: decoding logs of %s: %v", ErrMethodFailed, item.ID, err)
			}
		}
		for _, l := range lines {
			id := l.ModuleID
			if id == "" {
				id = item.ID
			}
			if id == "" {
				id = module
			}
			logs = append(logs, ModuleLog{ModuleID: id, Timestamp: l.TimeStamp, LogLevel: l.LogLevel, Text: l.Text})
		}
	}
	return logs, nil
}

// applyRuntime copies the $edgeAgent reported state onto d.
func applyRuntime(d *EdgeDevice, agent *iothub.Twin) {
	if v, ok := agent.Reported("systemModules.edgeAgent.runtimeStatus"); ok {
		d.RuntimeResponse, _ = v.(string)
	}

	var mods []ModuleStatus
	if sys, ok := agent.Reported("systemModules"); ok {
		mods = append(mods, moduleStatuses(sys, true)...)
	}
	if custom, ok := agent.Reported("modules"); ok {
		statuses := moduleStatuses(custom, false)
		d.NbModules = len(statuses)
		mods = append(mods, statuses...)
	}
	d.Modules = mods

	if v, ok := agent.Reported("lastDesiredStatus"); ok {
		if status, ok := v.(map[string]any); ok {
			dep := &Deployment{Code: asInt(status["code"])}
			dep.Description, _ = status["description"].(string)
			if v, ok := agent.Reported("lastDesiredVersion"); ok {
				dep.Version = int64(asInt(v))
			}
			switch {
			case dep.Code == 200:
				dep.Status = DeploymentSuccess
			case dep.Code >= 400:
				dep.Status = DeploymentFailure
			default:
				dep.Status = DeploymentPending
			}
			d.LastDeployment = dep
		}
	}
}

func moduleStatuses(v any, system bool) []ModuleStatus {
	section, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(section))
	for name := range section {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ModuleStatus, 0, len(names))
	for _, name := range names {
		m, _ := section[name].(map[string]any)
		st := ModuleStatus{Name: name, IsSystem: system}
		st.Version, _ = m["version"].(string)
		st.Status, _ = m["status"].(string)
		st.RuntimeStatus, _ = m["runtimeStatus"].(string)
		st.ExitCode = asInt(m["exitCode"])
		st.RestartCount = asInt(m["restartCount"])
		if s, ok := m["lastStartTimeUtc"].(string); ok {
			st.LastStartTime, _ = time.Parse(time.RFC3339Nano, s)
		}
		out = append(out, st)
	}
	return out
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	}
	return 0
}
