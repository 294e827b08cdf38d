package config

import "time"

type SyncAPI struct {
	Matrix *Global `yaml:"-"`

	// The sync API database stores membership snapshots, the membership change
	// log and the room state needed to filter and sort room lists.
	Database DatabaseOptions `yaml:"database,omitempty"`

	// Room list settings
	RoomLists RoomLists `yaml:"room_lists"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	c.Database.Defaults(20)
	c.RoomLists.Defaults()
	if opts.Generate {
		if !opts.SingleDatabase {
			c.Database.ConnectionString = "file:syncapi.db"
		}
	}
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	if c.Matrix == nil || c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "sync_api.database.connection_string", string(c.Database.ConnectionString))
	}
	c.Database.Verify(configErrs, "sync_api.database")
	c.RoomLists.Verify(configErrs)
}

// DatabaseOptions returns the component database settings, falling back to
// the global database when no connection string is set.
func (c *SyncAPI) DatabaseOptions() *DatabaseOptions {
	if c.Database.ConnectionString == "" && c.Matrix != nil {
		return &c.Matrix.DatabaseOptions
	}
	return &c.Database
}

type RoomLists struct {
	// The maximum number of rooms looked up concurrently when filtering and
	// sorting.
	LookupConcurrency int `yaml:"lookup_concurrency"`

	// How long a resolved DM room set stays cached when no account data
	// notification evicts it first.
	DMCacheMaxAge time.Duration `yaml:"dm_cache_max_age"`

	// Requests taking longer than this are logged at warn level.
	SlowResolutionThreshold time.Duration `yaml:"slow_resolution_threshold"`
}

const (
	defaultLookupConcurrency       = 8
	defaultDMCacheMaxAge           = 10 * time.Minute
	defaultSlowResolutionThreshold = time.Second
)

func (r *RoomLists) Defaults() {
	if r.LookupConcurrency == 0 {
		r.LookupConcurrency = defaultLookupConcurrency
	}
	if r.DMCacheMaxAge == 0 {
		r.DMCacheMaxAge = defaultDMCacheMaxAge
	}
	if r.SlowResolutionThreshold == 0 {
		r.SlowResolutionThreshold = defaultSlowResolutionThreshold
	}
}

func (r *RoomLists) Verify(configErrs *ConfigErrors) {
	if r.LookupConcurrency <= 0 {
		configErrs.Add("sync_api.room_lists.lookup_concurrency: must be greater than zero")
	}
	checkPositive(configErrs, "sync_api.room_lists.dm_cache_max_age", int64(r.DMCacheMaxAge))
	checkPositive(configErrs, "sync_api.room_lists.slow_resolution_threshold", int64(r.SlowResolutionThreshold))
}
