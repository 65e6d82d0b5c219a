package policy

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CompileError is a manifest compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadManifest reads and compiles the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data, path)
}

// ParseManifest compiles manifest source. filename is used in error
// positions.
func ParseManifest(src []byte, filename string) (*Manifest, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	root := value.LookupPath(cue.ParsePath("manifest"))
	if !root.Exists() {
		return nil, &CompileError{
			Field:   "manifest",
			Message: "top-level manifest struct is required",
			Pos:     value.Pos(),
		}
	}
	return CompileManifest(root)
}

// CompileManifest parses a CUE value into a Manifest, applies defaults,
// and validates the result.
//
// The CUE value should be the manifest struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`manifest: { version: "v47", ... }`)
//	m, err := CompileManifest(v.LookupPath(cue.ParsePath("manifest")))
func CompileManifest(v cue.Value) (*Manifest, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	m := &Manifest{}

	// version (required)
	versionVal := v.LookupPath(cue.ParsePath("version"))
	if !versionVal.Exists() {
		return nil, &CompileError{
			Field:   "version",
			Message: "version is required",
			Pos:     v.Pos(),
		}
	}
	version, err := versionVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	m.Version = version

	// precache (required, at least one asset)
	m.Precache, err = stringList(v, "precache")
	if err != nil {
		return nil, err
	}
	if len(m.Precache) == 0 {
		return nil, &CompileError{
			Field:   "precache",
			Message: "at least one precache asset is required",
			Pos:     v.Pos(),
		}
	}

	// optional route rules
	if m.StaticAssets, err = stringList(v, "staticAssets"); err != nil {
		return nil, err
	}
	if m.APIPrefixes, err = stringList(v, "apiPrefixes"); err != nil {
		return nil, err
	}
	if m.ImageTypes, err = stringList(v, "imageTypes"); err != nil {
		return nil, err
	}

	// durations, stored as integer milliseconds
	if m.NetworkTimeout, err = durationField(v, "networkTimeoutMS"); err != nil {
		return nil, err
	}
	if m.APIMaxAge, err = durationField(v, "apiMaxAgeMS"); err != nil {
		return nil, err
	}
	if m.ImageMaxAge, err = durationField(v, "imageMaxAgeMS"); err != nil {
		return nil, err
	}
	if m.StaticMaxAge, err = durationField(v, "staticMaxAgeMS"); err != nil {
		return nil, err
	}
	if m.UpdateCheck, err = durationField(v, "updateCheckMS"); err != nil {
		return nil, err
	}

	if err := compileRetry(v, m); err != nil {
		return nil, err
	}

	m.applyDefaults()
	if err := m.validate(); err != nil {
		return nil, &CompileError{
			Field:   "manifest",
			Message: err.Error(),
			Pos:     v.Pos(),
		}
	}
	return m, nil
}

func compileRetry(v cue.Value, m *Manifest) error {
	retryVal := v.LookupPath(cue.ParsePath("retry"))
	if !retryVal.Exists() {
		return nil
	}

	attemptsVal := retryVal.LookupPath(cue.ParsePath("maxAttempts"))
	if attemptsVal.Exists() {
		attempts, err := attemptsVal.Int64()
		if err != nil {
			return formatCUEError(err)
		}
		m.Retry.MaxAttempts = int(attempts)
	}

	var err error
	if m.Retry.BaseDelay, err = durationField(retryVal, "baseDelayMS"); err != nil {
		return err
	}
	if m.Retry.MaxDelay, err = durationField(retryVal, "maxDelayMS"); err != nil {
		return err
	}
	return nil
}

// stringList extracts an optional list of strings at path.
func stringList(v cue.Value, path string) ([]string, error) {
	listVal := v.LookupPath(cue.ParsePath(path))
	if !listVal.Exists() {
		return nil, nil
	}

	iter, err := listVal.List()
	if err != nil {
		return nil, &CompileError{
			Field:   path,
			Message: "must be a list of strings",
			Pos:     listVal.Pos(),
		}
	}

	var items []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		items = append(items, s)
	}
	return items, nil
}

// durationField extracts an optional integer-millisecond field as a
// time.Duration. Floats are rejected; durations are whole milliseconds.
func durationField(v cue.Value, path string) (time.Duration, error) {
	field := v.LookupPath(cue.ParsePath(path))
	if !field.Exists() {
		return 0, nil
	}
	ms, err := field.Int64()
	if err != nil {
		return 0, &CompileError{
			Field:   path,
			Message: "must be an integer number of milliseconds",
			Pos:     field.Pos(),
		}
	}
	if ms < 0 {
		return 0, &CompileError{
			Field:   path,
			Message: fmt.Sprintf("must not be negative, got %d", ms),
			Pos:     field.Pos(),
		}
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := cueerrors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
