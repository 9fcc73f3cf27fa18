package core

import (
	"time"

	"github.com/JonMunkholm/wtkpipe/internal/loader"
)

// Kind names a pipeline command.
type Kind string

const (
	KindRun     Kind = "run"
	KindLoad    Kind = "load"
	KindRequest Kind = "request"
	KindFetch   Kind = "fetch"
)

// RunResult describes one finished command.
type RunResult struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	Years      []int             `json:"years,omitempty"`
	Downloaded []string          `json:"downloaded,omitempty"`
	Load       *loader.RunReport `json:"load,omitempty"`

	// Async request and archive fields. DownloadURL is redacted.
	AckPath     string `json:"ack_path,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	Archive     string `json:"archive,omitempty"`

	// Error and Code are set when the command failed.
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// OK reports whether the command succeeded.
func (r *RunResult) OK() bool { return r.Error == "" }
