package kvtree

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/CVDpl/go-live-kvtree/internal/common"
)

// Params holds tree-shape and bookkeeping configuration. Zero values
// select defaults via Validate.
type Params struct {
	// FanoutBits is log2 of the per-node fanout; fanout is always a
	// power of two.
	FanoutBits uint32 `yaml:"fanout_bits"`

	// DepthMax bounds the longest root-to-leaf path.
	DepthMax uint32 `yaml:"depth_max"`

	// PrefixLen is the leading key length hashed for routing. 0 hashes
	// whole keys.
	PrefixLen int `yaml:"prefix_len"`

	// LockBuckets is the bucket count of the tree's read-mostly lock.
	LockBuckets int `yaml:"lock_buckets"`

	// EntriesPerPage overrides the list-entry arena page capacity.
	// 0 derives it from the system page size.
	EntriesPerPage int `yaml:"entries_per_page"`

	// MaxPages bounds the list-entry arena; 0 means unbounded.
	MaxPages int `yaml:"max_pages"`

	// MaxSpills bounds concurrently tracked spills per node.
	MaxSpills int `yaml:"max_spills"`

	// Capped enables the last-tombstone slot used by capped
	// collections.
	Capped bool `yaml:"capped"`
}

// DefaultParams returns the default tree parameters.
func DefaultParams() Params {
	return Params{
		FanoutBits:  common.DefaultFanoutBits,
		DepthMax:    common.DefaultDepthMax,
		PrefixLen:   common.DefaultPrefixLen,
		LockBuckets: common.DefaultLockBuckets,
		MaxSpills:   common.DefaultMaxSpills,
	}
}

// Validate fills in defaults and rejects out-of-range values.
func (p *Params) Validate() error {
	if p.FanoutBits == 0 {
		p.FanoutBits = common.DefaultFanoutBits
	}
	if p.FanoutBits > common.MaxFanoutBits {
		return fmt.Errorf("fanout_bits %d exceeds maximum %d", p.FanoutBits, common.MaxFanoutBits)
	}
	if p.DepthMax == 0 {
		p.DepthMax = common.DefaultDepthMax
	}
	if p.DepthMax > common.MaxDepth {
		return fmt.Errorf("depth_max %d exceeds maximum %d", p.DepthMax, common.MaxDepth)
	}
	if p.PrefixLen < 0 {
		return fmt.Errorf("prefix_len must not be negative")
	}
	if p.LockBuckets <= 0 {
		p.LockBuckets = common.DefaultLockBuckets
	}
	if p.MaxSpills <= 0 {
		p.MaxSpills = common.DefaultMaxSpills
	}
	if p.MaxPages < 0 {
		return fmt.Errorf("max_pages must not be negative")
	}
	return nil
}

// Fanout returns the configured per-node fanout.
func (p Params) Fanout() uint32 { return 1 << p.FanoutBits }

// LoadParams reads tree parameters from a YAML file and validates them.
func LoadParams(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("read params: %w", err)
	}
	var p Params
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("parse params: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}
