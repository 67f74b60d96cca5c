package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/datasource-broker/internal/connector"
	"github.com/JakeFAU/datasource-broker/internal/orchestrator"
	"github.com/JakeFAU/datasource-broker/internal/registry"
)

// Method names served by RegisterDefaults.
const (
	MethodGetDataSourceNames = "get_data_source_names"
	MethodCreateDataSource   = "create_data_source"
	MethodGetDataSourceInfo  = "get_data_source_info"
	MethodStartDataSource    = "start_data_source"
	MethodListJobs           = "list_jobs"
	MethodGetJob             = "get_job"
	MethodStopJob            = "stop_job"
	MethodRemoveJob          = "remove_job"
	MethodRediscover         = "rediscover"
)

// Connectors is the registry surface the broker needs.
type Connectors interface {
	Names() []string
	Descriptor(name string) (registry.Descriptor, error)
	Create(name string, params connector.Params) (connector.Connector, error)
	Describe(name string) (registry.Description, error)
	Discover(ctx context.Context) registry.Report
}

// Jobs is the orchestrator surface the broker needs.
type Jobs interface {
	StartJob(ctx context.Context, name string, params connector.Params) (orchestrator.StartResult, error)
	Jobs() []orchestrator.Job
	Job(pid int) (orchestrator.Job, error)
	Stop(pid int) error
	Remove(pid int) error
}

// CreatedSource is the create_data_source result.
type CreatedSource struct {
	Name   string          `json:"name"`
	Origin registry.Origin `json:"origin"`
}

// RemovedJob is the remove_job result.
type RemovedJob struct {
	ProcessID int  `json:"process_id"`
	Removed   bool `json:"removed"`
}

type nameParams struct {
	Name   string           `json:"name"`
	Params connector.Params `json:"params"`
}

type startParams struct {
	Datasource string           `json:"datasource"`
	Params     connector.Params `json:"params"`
}

type jobParams struct {
	ProcessID *int `json:"process_id"`
}

// RegisterDefaults binds the standard methods to connectors and jobs.
func (b *Broker) RegisterDefaults(connectors Connectors, jobs Jobs) {
	b.Register(MethodGetDataSourceNames, func(context.Context, []byte) (any, error) {
		return connectors.Names(), nil
	})

	b.Register(MethodCreateDataSource, func(_ context.Context, raw []byte) (any, error) {
		var p nameParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidParams)
		}
		if _, err := connectors.Create(p.Name, p.Params); err != nil {
			return nil, err
		}
		d, err := connectors.Descriptor(p.Name)
		if err != nil {
			return nil, err
		}
		return CreatedSource{Name: d.Name, Origin: d.Origin}, nil
	})

	b.Register(MethodGetDataSourceInfo, func(_ context.Context, raw []byte) (any, error) {
		var p nameParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidParams)
		}
		return connectors.Describe(p.Name)
	})

	b.Register(MethodStartDataSource, func(ctx context.Context, raw []byte) (any, error) {
		var p startParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Datasource == "" {
			return nil, fmt.Errorf("%w: datasource is required", ErrInvalidParams)
		}
		return jobs.StartJob(ctx, p.Datasource, p.Params)
	})

	b.Register(MethodListJobs, func(context.Context, []byte) (any, error) {
		return jobs.Jobs(), nil
	})

	b.Register(MethodGetJob, func(_ context.Context, raw []byte) (any, error) {
		pid, err := decodePID(raw)
		if err != nil {
			return nil, err
		}
		return jobs.Job(pid)
	})

	b.Register(MethodStopJob, func(_ context.Context, raw []byte) (any, error) {
		pid, err := decodePID(raw)
		if err != nil {
			return nil, err
		}
		if err := jobs.Stop(pid); err != nil {
			return nil, err
		}
		return jobs.Job(pid)
	})

	b.Register(MethodRemoveJob, func(_ context.Context, raw []byte) (any, error) {
		pid, err := decodePID(raw)
		if err != nil {
			return nil, err
		}
		if err := jobs.Remove(pid); err != nil {
			return nil, err
		}
		return RemovedJob{ProcessID: pid, Removed: true}, nil
	})

	b.Register(MethodRediscover, func(ctx context.Context, _ []byte) (any, error) {
		report := connectors.Discover(ctx)
		for _, skipped := range report.Skipped {
			b.logger.Warn("connector skipped during rediscovery", zap.Error(skipped))
		}
		return report.Names, nil
	})
}

func decodeParams(raw []byte, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return nil
}

func decodePID(raw []byte) (int, error) {
	var p jobParams
	if err := decodeParams(raw, &p); err != nil {
		return 0, err
	}
	if p.ProcessID == nil {
		return 0, fmt.Errorf("%w: process_id is required", ErrInvalidParams)
	}
	return *p.ProcessID, nil
}
