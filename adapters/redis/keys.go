package redis

import (
	"strconv"
	"strings"

	"github.com/owles/go-jobqueue/core"
)

const DefaultPrefix = "jobqueue"

// Keys names every key a Source touches. All keys share one hash tag, so each
// script runs against a single cluster slot.
type Keys struct {
	Prefix string
}

func (k Keys) tag() string {
	return "{" + k.Prefix + "}:"
}

// Key joins parts under the prefix hash tag.
func (k Keys) Key(parts ...string) string {
	return k.tag() + strings.Join(parts, ":")
}

// ID is the job id counter.
func (k Keys) ID() string { return k.Key("id") }

// Types is the set of job types ever enqueued.
func (k Keys) Types() string { return k.Key("types") }

// Job is the hash holding one job record.
func (k Keys) Job(id int64) string { return k.jobPrefix() + strconv.FormatInt(id, 10) }

func (k Keys) jobPrefix() string { return k.tag() + "job:" }

// Index is the sorted set of jobType jobs in state.
func (k Keys) Index(jobType string, state core.State) string {
	return k.Key(jobType, string(state))
}

// Channel is the pub/sub channel announcing new jobType work.
func (k Keys) Channel(jobType string) string { return k.Key(jobType, "notify") }
