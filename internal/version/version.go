// Package version reports build metadata stamped with -ldflags, filling gaps
// from the module build info.
package version

import "runtime/debug"

const (
	AppName = "edutoolbox"

	ComponentServer = "server"
	ComponentCtl    = "edutbctl"
)

// Set with -ldflags "-X github.com/keithlinneman/edutoolbox/internal/version.Version=..."
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out.apply(bi)
	}
	return out
}

// apply fills commit and dates from vcs settings where ldflags left them unset.
func (i *Info) apply(bi *debug.BuildInfo) {
	i.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "none" && s.Value != "" {
				i.Commit = s.Value
			}
		case "vcs.time":
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
			i.CommitDate = s.Value
		case "vcs.modified":
			if s.Value == "true" || s.Value == "false" {
				d := s.Value == "true"
				i.VCSDirty = &d
			}
		}
	}
}

// ShortCommit is the first 12 characters of the commit.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}
