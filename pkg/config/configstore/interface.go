package configstore

import "context"

// ConfigStore loads and saves one settings document.
type ConfigStore interface {
	Load(ctx context.Context, out any) error
	Save(ctx context.Context, data any) error
}
