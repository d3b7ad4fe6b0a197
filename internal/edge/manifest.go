package edge

import (
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

// Module twin names of the edge runtime.
const (
	AgentModule = "$edgeAgent"
	HubModule   = "$edgeHub"

	agentSystemName = "edgeAgent"
	hubSystemName   = "edgeHub"
)

// Default runtime images used when a model does not override them.
const (
	DefaultAgentImage = "mcr.microsoft.com/azureiotedge-agent:1.4"
	DefaultHubImage   = "mcr.microsoft.com/azureiotedge-hub:1.4"

	schemaVersion      = "1.1"
	minDockerVersion   = "v1.25"
	defaultHubOptions  = `{"HostConfig":{"PortBindings":{"5671/tcp":[{"HostPort":"5671"}],"8883/tcp":[{"HostPort":"8883"}],"443/tcp":[{"HostPort":"443"}]}}}`
	storeAndForwardTTL = 7200
)

const desiredKey = "properties.desired"

// Manifest builds the deployment manifest of a model: the modules content
// of its hub configuration.
func Manifest(m *EdgeModel) iothub.ConfigurationContent {
	modules := make(map[string]any, len(m.Modules))
	for _, mod := range m.Modules {
		modules[mod.Name] = map[string]any{
			"version":       "1.0",
			"type":          "docker",
			"status":        "running",
			"restartPolicy": "always",
			"startupOrder":  mod.StartupOrder,
			"settings":      dockerSettings(mod.ImageURI, mod.ContainerCreateOptions),
			"env":           envSection(mod.Env),
		}
	}

	agent := SystemModule{Name: agentSystemName, ImageURI: DefaultAgentImage}
	hub := SystemModule{Name: hubSystemName, ImageURI: DefaultHubImage, ContainerCreateOptions: defaultHubOptions}
	for _, sm := range m.SystemModules {
		switch sm.Name {
		case agentSystemName:
			agent = mergeSystemModule(agent, sm)
		case hubSystemName:
			hub = mergeSystemModule(hub, sm)
		}
	}

	content := map[string]any{
		AgentModule: map[string]any{
			desiredKey: map[string]any{
				"schemaVersion": schemaVersion,
				"runtime": map[string]any{
					"type": "docker",
					"settings": map[string]any{
						"minDockerVersion": minDockerVersion,
					},
				},
				"systemModules": map[string]any{
					agentSystemName: map[string]any{
						"type":     "docker",
						"settings": dockerSettings(agent.ImageURI, agent.ContainerCreateOptions),
						"env":      envSection(agent.Env),
					},
					hubSystemName: map[string]any{
						"type":          "docker",
						"status":        "running",
						"restartPolicy": "always",
						"startupOrder":  0,
						"settings":      dockerSettings(hub.ImageURI, hub.ContainerCreateOptions),
						"env":           envSection(hub.Env),
					},
				},
				"modules": modules,
			},
		},
		HubModule: map[string]any{
			desiredKey: map[string]any{
				"schemaVersion": schemaVersion,
				"routes":        routesSection(m.Routes),
				"storeAndForwardConfiguration": map[string]any{
					"timeToLiveSecs": storeAndForwardTTL,
				},
			},
		},
	}
	for _, mod := range m.Modules {
		if len(mod.TwinSettings) > 0 {
			content[mod.Name] = map[string]any{desiredKey: mod.TwinSettings}
		}
	}
	return iothub.ConfigurationContent{ModulesContent: content}
}

func dockerSettings(image, createOptions string) map[string]any {
	settings := map[string]any{"image": image}
	if createOptions != "" {
		settings["createOptions"] = createOptions
	}
	return settings
}

func envSection(env map[string]string) map[string]any {
	out := make(map[string]any, len(env))
	for k, v := range env {
		out[k] = map[string]any{"value": v}
	}
	return out
}

func routesSection(routes []Route) map[string]any {
	out := make(map[string]any, len(routes))
	for _, r := range routes {
		route := map[string]any{"route": r.Value}
		if r.Priority != nil {
			route["priority"] = *r.Priority
		}
		if r.TimeToLive != nil {
			route["timeToLiveSecs"] = *r.TimeToLive
		}
		out[r.Name] = route
	}
	return out
}

func mergeSystemModule(base, override SystemModule) SystemModule {
	if override.ImageURI != "" {
		base.ImageURI = override.ImageURI
	}
	if override.ContainerCreateOptions != "" {
		base.ContainerCreateOptions = override.ContainerCreateOptions
	}
	if len(override.Env) > 0 {
		base.Env = override.Env
	}
	return base
}
