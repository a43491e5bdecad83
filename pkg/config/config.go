// Copyright 2025 Kestrel, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"

	"github.com/kestreldb/kestrel/pkg/util/chunk"
	"github.com/kestreldb/kestrel/pkg/util/logutil"
	"github.com/kestreldb/kestrel/pkg/util/mem"
)

// ByteSize is a byte count that decodes from human-readable TOML strings
// like "8GB" or "512MiB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return errors.AddStack(err)
	}
	*b = ByteSize(v)
	return nil
}

// Duration decodes from TOML strings like "5m" or "300ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.AddStack(err)
	}
	*d = Duration(v)
	return nil
}

// Config contains configuration options.
type Config struct {
	Log   logutil.LogConfig `toml:"log" json:"log"`
	Mem   Mem               `toml:"mem" json:"mem"`
	Spill Spill             `toml:"spill" json:"spill"`
}

// Mem is the memory arbitration section of the config.
type Mem struct {
	// Capacity is the total memory budget of the arbitrator.
	Capacity ByteSize `toml:"capacity" json:"capacity"`
	// PoolInitCapacity is granted to a pool at registration.
	PoolInitCapacity ByteSize `toml:"pool-init-capacity" json:"pool-init-capacity"`
	// PoolMinCapacity is the floor kept with active pools on reclaim.
	PoolMinCapacity ByteSize `toml:"pool-min-capacity" json:"pool-min-capacity"`
	// FastGrowthCapacityLimit bounds the capacity-doubling growth phase.
	FastGrowthCapacityLimit ByteSize `toml:"fast-growth-capacity-limit" json:"fast-growth-capacity-limit"`
	// SlowGrowthRatio is the growth ratio past the fast limit.
	SlowGrowthRatio float64 `toml:"slow-growth-ratio" json:"slow-growth-ratio"`
	// MinFreeCapacity and MinFreeCapacityRatio carve free capacity out of
	// shrink on active pools.
	MinFreeCapacity      ByteSize `toml:"min-free-capacity" json:"min-free-capacity"`
	MinFreeCapacityRatio float64  `toml:"min-free-capacity-ratio" json:"min-free-capacity-ratio"`
	// MinReclaimBytes and MinReclaimPct raise small reclaim targets.
	MinReclaimBytes ByteSize `toml:"min-reclaim-bytes" json:"min-reclaim-bytes"`
	MinReclaimPct   float64  `toml:"min-reclaim-pct" json:"min-reclaim-pct"`
	// MaxReclaimWaitTime bounds the wait on a victim's reclaim lock.
	MaxReclaimWaitTime Duration `toml:"max-reclaim-wait-time" json:"max-reclaim-wait-time"`
	// AbortOnExhaustion aborts the requesting pool when arbitration fails
	// with capacity exhausted.
	AbortOnExhaustion bool `toml:"abort-on-exhaustion" json:"abort-on-exhaustion"`
}

// Spill is the join spill section of the config.
type Spill struct {
	// Dir is the directory for spill files; empty uses the OS temp dir.
	Dir string `toml:"dir" json:"dir"`
	// Codec is the spill compression codec: none, lz4 or zstd.
	Codec string `toml:"codec" json:"codec"`
	// StartPartitionBit is the first join-key hash bit used for spill
	// partitioning.
	StartPartitionBit uint8 `toml:"start-partition-bit" json:"start-partition-bit"`
	// NumPartitionBits sets the spill fan-out to 1<<n partitions.
	NumPartitionBits uint8 `toml:"num-partition-bits" json:"num-partition-bits"`
	// MaxSpillLevel bounds recursive re-spill depth.
	MaxSpillLevel int `toml:"max-spill-level" json:"max-spill-level"`
}

// NewConfig returns a config with default values.
func NewConfig() *Config {
	return &Config{
		Log: *logutil.NewLogConfig("info", logutil.DefaultLogFormat, ""),
		Mem: Mem{
			Capacity:                8 * units.GiB,
			PoolInitCapacity:        256 * units.MiB,
			PoolMinCapacity:         32 * units.MiB,
			FastGrowthCapacityLimit: 1 * units.GiB,
			SlowGrowthRatio:         1.25,
			MinFreeCapacity:         64 * units.MiB,
			MinFreeCapacityRatio:    0.25,
			MinReclaimBytes:         128 * units.MiB,
			MinReclaimPct:           0.25,
			MaxReclaimWaitTime:      Duration(mem.DefMaxReclaimWaitTime),
		},
		Spill: Spill{
			Codec:             "zstd",
			StartPartitionBit: 48,
			NumPartitionBits:  3,
			MaxSpillLevel:     4,
		},
	}
}

// Load loads config options from a toml file.
func (c *Config) Load(confFile string) error {
	_, err := toml.DecodeFile(confFile, c)
	return errors.Trace(err)
}

// Valid checks the cross-field constraints of the config.
func (c *Config) Valid() error {
	if c.Mem.Capacity <= 0 {
		return errors.Errorf("mem.capacity %d must be positive", c.Mem.Capacity)
	}
	if _, err := chunk.ParseCompressCodec(c.Spill.Codec); err != nil {
		return err
	}
	if c.Spill.NumPartitionBits == 0 {
		return errors.New("spill.num-partition-bits must be positive")
	}
	if int(c.Spill.StartPartitionBit)+int(c.Spill.NumPartitionBits) > 64 {
		return errors.Errorf("spill partition bits [%d, %d) exceed the 64-bit hash",
			c.Spill.StartPartitionBit, c.Spill.StartPartitionBit+c.Spill.NumPartitionBits)
	}
	participant := c.ArbitratorConfig().Participant
	return participant.Validate()
}

// ArbitratorConfig converts the mem section into an arbitrator config.
func (c *Config) ArbitratorConfig() mem.ArbitratorConfig {
	return mem.ArbitratorConfig{
		Capacity: int64(c.Mem.Capacity),
		Participant: mem.ParticipantConfig{
			InitCapacity:                       int64(c.Mem.PoolInitCapacity),
			MinCapacity:                        int64(c.Mem.PoolMinCapacity),
			FastExponentialGrowthCapacityLimit: int64(c.Mem.FastGrowthCapacityLimit),
			SlowCapacityGrowRatio:              c.Mem.SlowGrowthRatio,
			MinFreeCapacity:                    int64(c.Mem.MinFreeCapacity),
			MinFreeCapacityRatio:               c.Mem.MinFreeCapacityRatio,
			MinReclaimBytes:                    int64(c.Mem.MinReclaimBytes),
			MinReclaimPct:                      c.Mem.MinReclaimPct,
		},
		MaxReclaimWaitTime:         time.Duration(c.Mem.MaxReclaimWaitTime),
		AbortRequesterOnExhaustion: c.Mem.AbortOnExhaustion,
	}
}
