package config

import "fmt"

var validStrategies = map[string]bool{"least_busy": true, "round_robin": true, "random": true}
var validKeepaliveModes = map[string]bool{"comment": true, "content": true}
var validFilterModes = map[string]bool{"blacklist": true, "whitelist": true}

// Validate checks the loaded tree for the invariants the rest of the
// system assumes at construction time (unique instance/worker names,
// closed-set enum fields, merge workers carrying mergeTypes). Every
// failure is collected into a single error so an operator sees the full
// list of problems in one pass rather than fixing them one at a time.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.Keepalive.Mode == "" {
		c.Server.Keepalive.Mode = "comment"
	} else if !validKeepaliveModes[c.Server.Keepalive.Mode] {
		errs = append(errs, fmt.Sprintf("server.keepalive.mode must be comment or content, got %q", c.Server.Keepalive.Mode))
	}

	if c.Queue.QueueBuffer < 0 {
		errs = append(errs, "queue.queueBuffer must be >= 0")
	}
	if c.Queue.ImageLimit < 0 {
		errs = append(errs, "queue.imageLimit must be >= 0")
	}

	if c.Backend.Pool.Strategy == "" {
		c.Backend.Pool.Strategy = "least_busy"
	} else if !validStrategies[c.Backend.Pool.Strategy] {
		errs = append(errs, fmt.Sprintf("backend.pool.strategy must be one of least_busy, round_robin, random, got %q", c.Backend.Pool.Strategy))
	}
	if c.Backend.Pool.Failover.MaxRetries < 0 {
		errs = append(errs, "backend.pool.failover.maxRetries must be >= 0")
	}

	instanceNames := map[string]bool{}
	workerNames := map[string]bool{}
	for _, inst := range c.Backend.Pool.Instances {
		if inst.Name == "" {
			errs = append(errs, "backend.pool.instances[*].name must not be empty")
			continue
		}
		if instanceNames[inst.Name] {
			errs = append(errs, fmt.Sprintf("duplicate instance name %q", inst.Name))
		}
		instanceNames[inst.Name] = true

		if len(inst.Workers) == 0 {
			errs = append(errs, fmt.Sprintf("instance %q must declare at least one worker", inst.Name))
		}
		for _, w := range inst.Workers {
			if w.Name == "" {
				errs = append(errs, fmt.Sprintf("instance %q: worker name must not be empty", inst.Name))
				continue
			}
			if workerNames[w.Name] {
				errs = append(errs, fmt.Sprintf("duplicate worker name %q", w.Name))
			}
			workerNames[w.Name] = true

			if w.Type == "" {
				errs = append(errs, fmt.Sprintf("worker %q: type must not be empty", w.Name))
			}
			if w.Type == "merge" && len(w.MergeTypes) == 0 {
				errs = append(errs, fmt.Sprintf("worker %q: type merge requires mergeTypes", w.Name))
			}
		}
	}

	for id, adapter := range c.Backend.Adapter {
		if adapter.ModelFilter == nil {
			continue
		}
		if !validFilterModes[adapter.ModelFilter.Mode] {
			errs = append(errs, fmt.Sprintf("adapter %q: modelFilter.mode must be blacklist or whitelist, got %q", id, adapter.ModelFilter.Mode))
		}
	}

	if len(errs) > 0 {
		msg := "invalid configuration:"
		for _, e := range errs {
			msg += "\n  - " + e
		}
		return fmt.Errorf("%s", msg)
	}
	return nil
}
