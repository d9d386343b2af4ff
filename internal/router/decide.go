package router

import "github.com/relaylabs/relay/pkg/models"

// DecideRoute picks the executor for a task. Rules apply in order, first
// match wins; the result is a pure function of the inputs at the moment
// of dispatch.
//
// Privacy always pins to local, even when no local executor is loaded:
// such a task fails at dispatch rather than leaking to the cloud.
func DecideRoute(s Score, cfg models.RouterConfig, status models.ExecutorStatus) models.Route {
	if s.Privacy {
		return models.RouteLocal
	}
	if s.Realtime && status.LocalModelLoaded {
		return models.RouteLocal
	}

	switch cfg.Mode {
	case models.RoutingLocal:
		if status.LocalModelLoaded {
			return models.RouteLocal
		}
		return models.RouteCloud
	case models.RoutingCloud:
		if status.CloudAvailable {
			return models.RouteCloud
		}
		return models.RouteLocal
	}

	// Auto: complexity at or above the threshold prefers the cloud.
	if s.Complexity >= cfg.Threshold {
		if status.CloudAvailable {
			return models.RouteCloud
		}
		return models.RouteLocal
	}
	if status.LocalModelLoaded {
		return models.RouteLocal
	}
	return models.RouteCloud
}

// executorFor reports whether the chosen route has a backing executor.
func executorFor(route models.Route, status models.ExecutorStatus) bool {
	switch route {
	case models.RouteLocal:
		return status.LocalModelLoaded
	case models.RouteCloud:
		return status.CloudAvailable
	}
	return false
}
