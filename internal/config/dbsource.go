package config

import "context"

// RowSource polls the out-of-scope management database for the current
// desired configuration. The schema and driver for that database belong to
// the management service (spec Non-goal: "Persistent config store"); this
// core only needs the narrow contract below to stay decoupled from it.
type RowSource interface {
	FetchSnapshotRows(ctx context.Context) (RawSnapshot, error)
}

// RowSourceFunc adapts a plain function to RowSource.
type RowSourceFunc func(ctx context.Context) (RawSnapshot, error)

func (f RowSourceFunc) FetchSnapshotRows(ctx context.Context) (RawSnapshot, error) {
	return f(ctx)
}

// FileSource polls a YAML file on disk, re-reading it every call. Used when
// HUB_MODE=file (the default) instead of HUB_MODE=database.
type FileSource struct {
	Path string
}

func (s FileSource) FetchSnapshotRows(ctx context.Context) (RawSnapshot, error) {
	return LoadYAMLFile(s.Path)
}
