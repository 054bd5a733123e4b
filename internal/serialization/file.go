package serialization

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/gradnet/internal/tensor"
)

// RetryDelay is the pause between two attempts at opening a file.
var RetryDelay = 5 * time.Second

// retry calls open until it succeeds or ctx is done, logging every failure.
func retry[T any](ctx context.Context, path string, open func() (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		v, err := open()
		if err == nil {
			return v, nil
		}
		terr := &TransientError{Path: path, Attempt: attempt, Delay: RetryDelay, Err: err}
		klog.Warningf("%v", terr)
		select {
		case <-ctx.Done():
			var zero T
			return zero, errors.Wrapf(ctx.Err(), "giving up on %s", path)
		case <-time.After(RetryDelay):
		}
	}
}

// Open opens path for reading, retrying while it is unavailable.
func Open(ctx context.Context, path string) (*os.File, error) {
	return retry(ctx, path, func() (*os.File, error) {
		//nolint:gosec // G304: paths come from the architecture description
		return os.Open(path)
	})
}

// Create creates or truncates path for writing, retrying while it cannot be
// created.
func Create(ctx context.Context, path string) (*os.File, error) {
	return retry(ctx, path, func() (*os.File, error) {
		//nolint:gosec // G304: paths come from the architecture description
		return os.Create(path)
	})
}

// CreateNew creates path for writing, waiting while a file of that name
// already exists. Used for feature dumps that must never overwrite results.
func CreateNew(ctx context.Context, path string) (*os.File, error) {
	return retry(ctx, path, func() (*os.File, error) {
		//nolint:gosec // G304: paths come from the command line
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			return nil, errors.Wrap(ErrFileExists, "please delete it first")
		}
		return f, err
	})
}

// ReadFile reads the first record of path as kind want, padding the item
// count to a multiple of batchSize when batchSize > 0.
func ReadFile(ctx context.Context, path string, want tensor.Kind, batchSize int) (*tensor.Buffer, error) {
	f, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	b, err := NewReader(f).ReadBuffer(want, batchSize)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read %s", path)
	}
	return b, nil
}

// ReadAll reads every record of path as kind want.
func ReadAll(ctx context.Context, path string, want tensor.Kind) ([]*tensor.Buffer, error) {
	f, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buffers, err := NewReader(f).ReadAll(want)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read %s", path)
	}
	return buffers, nil
}

// ReadHeaders lists the record headers of path without loading payloads.
func ReadHeaders(ctx context.Context, path string) ([]*Header, error) {
	f, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	r := NewReader(f)
	var headers []*Header
	for {
		h, err := r.ReadHeader()
		if errors.Is(err, io.EOF) {
			return headers, nil
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read %s", path)
		}
		if err := r.Skip(h); err != nil {
			return nil, errors.WithMessagef(err, "failed to read %s", path)
		}
		headers = append(headers, h)
	}
}

// WriteFile writes buffers to path as one stream.
func WriteFile(ctx context.Context, path string, buffers ...*tensor.Buffer) error {
	f, err := Create(ctx, path)
	if err != nil {
		return err
	}
	w := NewWriter(f)
	for _, b := range buffers {
		if err := w.WriteBuffer(b); err != nil {
			_ = f.Close()
			return errors.WithMessagef(err, "failed to write %s", path)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "failed to write %s", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %s", path)
}
