// Package transforms provides the built-in chunk transforms:
//
//	transform/jq        run a jq expression over JSON text chunks
//	transform/join      concatenate text chunks into one
//	transform/merge     interleave any number of inputs in arrival order
//	audio/resample      convert 16-bit PCM between sample rates
//
// Register adds them to a Mux.
package transforms

import (
	"errors"

	"github.com/haivivi/chunkflow/pkg/action"
)

// Register adds every transform to mux.
func Register(mux *action.Mux) error {
	return errors.Join(
		mux.Handle("transform/jq", JQ()),
		mux.Handle("transform/join", Join()),
		mux.Handle("transform/merge", Merge()),
		mux.Handle("audio/resample", Resample()),
	)
}
