package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lindend/lsmkv/internal/memtable"
)

var ErrInvalidConfig = errors.New("invalid config")

var validate = validator.New()

// Number of hash slices a SHA-256 digest can be split into, leaving one byte
// of slack as required by the split.
const maxFilterHashes = 31

type Config struct {
	// Keys must be shorter than or equal to this many bytes
	MaxKeySize int `yaml:"max_key_size" validate:"gt=0"`
	// The memtable is flushed to an SSTable once it holds this many entries
	FlushThreshold int `yaml:"flush_threshold" validate:"gt=0"`
	// Size of the bloom filter of every SSTable. A filter_bits of 0 sizes the
	// filter from flush_threshold and filter_false_positive_rate instead.
	FilterBits              uint32  `yaml:"filter_bits"`
	FilterHashes            int     `yaml:"filter_hashes"`
	FilterFalsePositiveRate float64 `yaml:"filter_false_positive_rate" validate:"gte=0,lt=1"`
	UseBloomFilter          bool    `yaml:"use_bloom_filter"`
	// "skiplist" or "bst"
	Memtable string `yaml:"memtable" validate:"omitempty,oneof=skiplist bst"`
	// Fsync the write ahead log after every write
	SyncWrites bool   `yaml:"sync_writes"`
	LogLevel   string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
}

func Default() Config {
	return Config{
		MaxKeySize:     1024,
		FlushThreshold: 4096,
		FilterBits:              20000,
		FilterHashes:            3,
		FilterFalsePositiveRate: 0.01,
		UseBloomFilter:          false,
		Memtable:                memtable.KindSkipList,
		SyncWrites:              false,
		LogLevel:                "info",
	}
}

// Load reads a YAML config file. Fields missing from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg = cfg.SizeFilter()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SizeFilter fills in FilterBits and FilterHashes from FlushThreshold and
// FilterFalsePositiveRate when the bloom filter is enabled without a size.
// The result only depends on the config, so reopening with the same config
// loads existing filters with the hash count they were built with.
func (c Config) SizeFilter() Config {
	if !c.UseBloomFilter || c.FilterBits != 0 {
		return c
	}
	if c.FlushThreshold <= 0 || c.FilterFalsePositiveRate <= 0 || c.FilterFalsePositiveRate >= 1 {
		return c
	}
	c.FilterBits, c.FilterHashes = FilterBitsFor(uint(c.FlushThreshold), c.FilterFalsePositiveRate)
	return c
}

// Validate checks a sized config. filter_hashes is checked even without the
// bloom filter, since tables built with a filter are loaded with it.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if c.FilterHashes < 1 || c.FilterHashes > maxFilterHashes {
		return fmt.Errorf("%w: filter_hashes must be within 1..%d, got %d", ErrInvalidConfig, maxFilterHashes, c.FilterHashes)
	}
	if c.UseBloomFilter && (c.FilterBits == 0 || c.FilterBits%8 != 0) {
		return fmt.Errorf("%w: filter_bits must be a positive multiple of 8, got %d", ErrInvalidConfig, c.FilterBits)
	}
	return nil
}

// Reports the first failed field by its YAML name.
func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	e := validationErrors[0]
	return fmt.Errorf("%w: %s failed %s=%s, got %v", ErrInvalidConfig, yamlNames[e.Field()], e.Tag(), e.Param(), e.Value())
}

var yamlNames = map[string]string{
	"MaxKeySize":              "max_key_size",
	"FlushThreshold":          "flush_threshold",
	"FilterFalsePositiveRate": "filter_false_positive_rate",
	"Memtable":                "memtable",
	"LogLevel":                "log_level",
}

// FilterBitsFor sizes a bloom filter for the expected number of keys per
// SSTable and the target false positive rate. The bit count is rounded up to
// whole bytes.
func FilterBitsFor(expectedKeys uint, fpRate float64) (bits uint32, hashes int) {
	m, k := bloom.EstimateParameters(expectedKeys, fpRate)
	m = (m + 7) / 8 * 8

	hashes = int(k)
	if hashes < 1 {
		hashes = 1
	}
	if hashes > maxFilterHashes {
		hashes = maxFilterHashes
	}
	return uint32(m), hashes
}
