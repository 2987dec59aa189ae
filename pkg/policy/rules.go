package policy

import "github.com/MarwanHany97/NetThrottle/pkg/stats"

// Rule is the bandwidth policy for one process (or, unscoped, for the whole
// host). Kbps fields are the user-configured targets; the Adjusted fields
// are bytes/sec values maintained by the adaptive controller and consulted
// in preference to the targets while Adaptive is set.
type Rule struct {
	BlockAll bool `json:"block_all" yaml:"block_all"`

	LimitDownload bool   `json:"limit_download" yaml:"limit_download"`
	DownloadKbps  uint32 `json:"download_kbps" yaml:"download_kbps"`
	LimitUpload   bool   `json:"limit_upload" yaml:"limit_upload"`
	UploadKbps    uint32 `json:"upload_kbps" yaml:"upload_kbps"`

	Adaptive     bool    `json:"adaptive" yaml:"adaptive"`
	AdjustedDown float64 `json:"adjusted_dl_rate" yaml:"-"`
	AdjustedUp   float64 `json:"adjusted_ul_rate" yaml:"-"`
}

// Active reports whether the rule has any effect. Inactive rules must not
// occupy store space.
func (r Rule) Active() bool {
	return r.BlockAll ||
		(r.LimitDownload && r.DownloadKbps > 0) ||
		(r.LimitUpload && r.UploadKbps > 0)
}

// Limits reports whether the rule caps the given direction.
func (r Rule) Limits(dir stats.Direction) bool {
	if dir == stats.Upload {
		return r.LimitUpload && r.UploadKbps > 0
	}
	return r.LimitDownload && r.DownloadKbps > 0
}

// Target returns the configured cap for dir in bytes/sec.
func (r Rule) Target(dir stats.Direction) float64 {
	if dir == stats.Upload {
		return float64(r.UploadKbps) * 1024
	}
	return float64(r.DownloadKbps) * 1024
}

// EffectiveRate returns the bucket rate for dir in bytes/sec: the adjusted
// rate while adaptive control has produced one, the configured target
// otherwise.
func (r Rule) EffectiveRate(dir stats.Direction) float64 {
	if dir == stats.Upload {
		if r.Adaptive && r.AdjustedUp > 0 {
			return r.AdjustedUp
		}
	} else {
		if r.Adaptive && r.AdjustedDown > 0 {
			return r.AdjustedDown
		}
	}
	return r.Target(dir)
}
