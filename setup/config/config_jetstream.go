package config

import (
	"fmt"
)

type JetStream struct {
	// Persistent directory to store JetStream streams in.
	StoragePath Path `yaml:"storage_path"`
	// A list of NATS addresses to connect to. If none are specified, an
	// internal NATS server will be used when running in monolith mode only.
	Addresses []string `yaml:"addresses"`
	// The prefix to use for stream names for this homeserver - really only
	// useful if running more than one Dendrite on the same NATS deployment.
	TopicPrefix string `yaml:"topic_prefix"`
	// Keep all storage in memory. This is mostly useful for unit tests.
	InMemory bool `yaml:"in_memory"`
	// Disable logging. This is mostly useful for unit tests.
	NoLog bool `yaml:"-"`
}

// Path is a filesystem path. Relative paths are resolved against the
// directory of the config file.
type Path string

func (c *JetStream) Prefixed(name string) string {
	return fmt.Sprintf("%s%s", c.TopicPrefix, name)
}

func (c *JetStream) Durable(name string) string {
	return c.Prefixed(name)
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	c.Addresses = []string{}
	c.TopicPrefix = "SyncRooms"
	if opts.Generate {
		c.StoragePath = Path("./")
		c.NoLog = true
	}
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {
	checkURLs(configErrs, "global.jetstream.addresses", c.Addresses)
	if len(c.Addresses) == 0 && !c.InMemory {
		checkNotEmpty(configErrs, "global.jetstream.storage_path", string(c.StoragePath))
	}
}
