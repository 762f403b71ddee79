package dataset

import "fmt"

// DataLoadError reports a dataset file that is missing or cannot be decoded.
// It is always fatal to a training run.
type DataLoadError struct {
	Path string
	Err  error
}

func (e *DataLoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *DataLoadError) Unwrap() error { return e.Err }
