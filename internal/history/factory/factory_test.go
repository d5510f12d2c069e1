package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/appvisor/internal/history/opensearch"
	"github.com/loykin/appvisor/internal/history/sqlite"
)

func TestNewSinkFromDSN(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tests := []struct {
		name    string
		dsn     string
		wantErr bool
		check   func(t *testing.T, s any)
	}{
		{"empty", "", true, nil},
		{"unknown scheme", "invalid://test", true, nil},
		{"sqlite file", "sqlite://" + filepath.Join(dir, "h.db"), false, func(t *testing.T, s any) {
			assert.IsType(t, &sqlite.Sink{}, s)
		}},
		{"sqlite memory", "sqlite://:memory:", false, nil},
		{"bare path", filepath.Join(dir, "bare.db"), false, nil},
		{"opensearch", "opensearch://localhost:9200/logs", false, func(t *testing.T, s any) {
			assert.IsType(t, &opensearch.Sink{}, s)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSinkFromDSN(ctx, tt.dsn)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, s)
			if tt.check != nil {
				tt.check(t, s)
			}
			if c, ok := s.(interface{ Close() error }); ok {
				_ = c.Close()
			}
		})
	}
}

func TestClickHouseOptions(t *testing.T) {
	o, err := ClickHouseOptions("clickhouse://u:p@ch:9000/metrics?table=events")
	require.NoError(t, err)
	assert.Equal(t, "ch:9000", o.Addr)
	assert.Equal(t, "metrics", o.Database)
	assert.Equal(t, "events", o.Table)
	assert.Equal(t, "u", o.Username)
	assert.Equal(t, "p", o.Password)

	o, err = ClickHouseOptions("clickhouse://")
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", o.Addr)
}

func TestOpenSearchTarget(t *testing.T) {
	base, index, err := OpenSearchTarget("elasticsearch://es:9200/events?tls=true")
	require.NoError(t, err)
	assert.Equal(t, "https://es:9200", base)
	assert.Equal(t, "events", index)

	base, index, err = OpenSearchTarget("opensearch://os:9200")
	require.NoError(t, err)
	assert.Equal(t, "http://os:9200", base)
	assert.Equal(t, "appvisor-history", index)

	_, _, err = OpenSearchTarget("opensearch:///idx")
	assert.Error(t, err)
}
