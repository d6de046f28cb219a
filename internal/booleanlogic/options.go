package booleanlogic

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"shardscan/internal/fieldindex"
	"shardscan/internal/key"
	"shardscan/internal/logging"
)

// Option names accepted by ParseOptions.
const (
	OptionQuery             = "FIELD_INDEX_QUERY"
	OptionUnevaluatedFields = "UNEVALUATED_FIELDS"
	OptionCacheDir          = "BASE_CACHE_DIR"
	OptionDatatypeFilter    = "DATATYPE_FILTER"
	OptionStartTime         = "START_TIME"
	OptionEndTime           = "END_TIME"
	OptionMaxCachedResults  = "MAX_CACHED_RESULTS"
	OptionRollupNegations   = "ROLLUP_NEGATIONS"
)

// Config is the parsed form of the evaluator options.
type Config struct {
	Query string
	// UnevaluatedFields are upper-cased names of fields that exist only in
	// the index. Matches on them are reported through TopValue.
	UnevaluatedFields []string
	CacheDir          string
	Datatypes         []string

	// TimeRange enables the inclusive [StartTime, EndTime] filter on index
	// entry timestamps (ms since epoch).
	TimeRange bool
	StartTime int64
	EndTime   int64

	MaxCachedResults int
	RollupNegations  bool
}

// OptionHelp names one option.
type OptionHelp struct {
	Name string
	Help string
}

// Description is what DescribeOptions returns.
type Description struct {
	Name        string
	Description string
	Options     []OptionHelp
}

// DescribeOptions lists the options the evaluator understands.
func DescribeOptions() Description {
	return Description{
		Name:        "fieldindex",
		Description: "evaluates a boolean query against the field index and returns matching event keys",
		Options: []OptionHelp{
			{OptionQuery, "query string to evaluate (required)"},
			{OptionUnevaluatedFields, "comma separated list of index-only fields reported in the match hints"},
			{OptionCacheDir, "directory where range and regex leaves spill partition result sets"},
			{OptionDatatypeFilter, "comma separated list of datatypes to accept"},
			{OptionStartTime, "earliest index entry timestamp to accept, ms since epoch"},
			{OptionEndTime, "latest index entry timestamp to accept, ms since epoch"},
			{OptionMaxCachedResults, fmt.Sprintf("ids a range or regex leaf keeps in memory per partition before spilling (default %d)", fieldindex.DefaultMaxCachedResults)},
			{OptionRollupNegations, "let negated equalities join intersect roll-ups (true|false)"},
		},
	}
}

// ValidateOptions reports whether opts parse into a usable configuration.
func ValidateOptions(opts map[string]string) error {
	cfg, err := ParseOptions(opts)
	if err != nil {
		return err
	}
	_, err = compile(cfg, logging.Discard())
	return err
}

// ParseOptions reads an option map. Unknown keys are ignored.
func ParseOptions(opts map[string]string) (Config, error) {
	cfg := Config{
		Query:            strings.TrimSpace(opts[OptionQuery]),
		CacheDir:         opts[OptionCacheDir],
		MaxCachedResults: fieldindex.DefaultMaxCachedResults,
		EndTime:          math.MaxInt64,
	}
	if cfg.Query == "" {
		return Config{}, ErrMissingQuery
	}
	for _, f := range splitList(opts[OptionUnevaluatedFields]) {
		cfg.UnevaluatedFields = append(cfg.UnevaluatedFields, strings.ToUpper(f))
	}
	cfg.Datatypes = splitList(opts[OptionDatatypeFilter])

	if v, ok := opts[OptionStartTime]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q: %w", ErrInvalidOption, OptionStartTime, v, err)
		}
		cfg.TimeRange, cfg.StartTime = true, n
	}
	if v, ok := opts[OptionEndTime]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q: %w", ErrInvalidOption, OptionEndTime, v, err)
		}
		cfg.TimeRange, cfg.EndTime = true, n
	}
	if cfg.TimeRange && cfg.StartTime > cfg.EndTime {
		return Config{}, fmt.Errorf("%w: %s after %s", ErrInvalidOption, OptionStartTime, OptionEndTime)
	}

	if v, ok := opts[OptionMaxCachedResults]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("%w: %s=%q must be a positive integer", ErrInvalidOption, OptionMaxCachedResults, v)
		}
		cfg.MaxCachedResults = n
	}
	if v, ok := opts[OptionRollupNegations]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q: %w", ErrInvalidOption, OptionRollupNegations, v, err)
		}
		cfg.RollupNegations = b
	}
	return cfg, nil
}

// Options renders cfg back into an option map.
func (c Config) Options() map[string]string {
	opts := map[string]string{OptionQuery: c.Query}
	if len(c.UnevaluatedFields) > 0 {
		opts[OptionUnevaluatedFields] = strings.Join(c.UnevaluatedFields, ",")
	}
	if c.CacheDir != "" {
		opts[OptionCacheDir] = c.CacheDir
	}
	if len(c.Datatypes) > 0 {
		opts[OptionDatatypeFilter] = strings.Join(c.Datatypes, ",")
	}
	if c.TimeRange {
		opts[OptionStartTime] = strconv.FormatInt(c.StartTime, 10)
		opts[OptionEndTime] = strconv.FormatInt(c.EndTime, 10)
	}
	if c.MaxCachedResults > 0 {
		opts[OptionMaxCachedResults] = strconv.Itoa(c.MaxCachedResults)
	}
	if c.RollupNegations {
		opts[OptionRollupNegations] = "true"
	}
	return opts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) timeFilter() fieldindex.Predicate {
	if !c.TimeRange {
		return nil
	}
	return fieldindex.TimeFilter(c.StartTime, c.EndTime)
}

func (c Config) datatypeFilter() fieldindex.Predicate {
	if len(c.Datatypes) == 0 {
		return nil
	}
	return fieldindex.DatatypeFilter(c.Datatypes...)
}

// entryFilter combines the time and datatype filters for merge iterators.
func (c Config) entryFilter() func(key.Key) bool {
	tf, df := c.timeFilter(), c.datatypeFilter()
	if tf == nil && df == nil {
		return nil
	}
	return func(k key.Key) bool {
		return (tf == nil || tf(k)) && (df == nil || df(k))
	}
}
