package mysql

import (
	"testing"
	"time"

	"atelier/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobDomainRoundTrip(t *testing.T) {
	started := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	completed := started.Add(90 * time.Second)

	domain := &model.GenerationJob{
		ID:               "job-1",
		ProductID:        "chair-1",
		Materials:        []string{"oak", "walnut"},
		Priority:         model.PriorityHigh,
		Status:           model.JobStatusPartial,
		MaterialProgress: map[string]int{"oak": 100},
		Progress:         50,
		RetryCount:       3,
		Errors:           []string{"walnut: render farm rejected"},
		WebhookURL:       "https://hooks.example.com/x",
		CreatedAt:        started.Add(-time.Minute),
		UpdatedAt:        completed,
		StartedAt:        &started,
		CompletedAt:      &completed,
	}

	row := FromJobDomain(domain)
	require.NotNil(t, row)
	assert.Equal(t, "job-1", row.JobID)
	assert.Equal(t, "partial", row.Status)
	assert.Equal(t, JSONStringArray{"oak", "walnut"}, row.Materials)
	assert.Equal(t, JSONIntMap{"oak": 100}, row.MaterialProgress)

	back := ToJobDomain(row)
	require.NotNil(t, back)
	assert.Equal(t, domain, back)
}

func TestJobDomainConvertersHandleNil(t *testing.T) {
	assert.Nil(t, ToJobDomain(nil))
	assert.Nil(t, FromJobDomain(nil))
}

func TestJSONStringArrayScanValue(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  JSONStringArray
		ok    bool
	}{
		{name: "bytes", input: []byte(`["a","b"]`), want: JSONStringArray{"a", "b"}, ok: true},
		{name: "string", input: `["x"]`, want: JSONStringArray{"x"}, ok: true},
		{name: "nil resets", input: nil, want: nil, ok: true},
		{name: "empty array", input: []byte(`[]`), want: JSONStringArray{}, ok: true},
		{name: "not json", input: []byte(`{`), ok: false},
		{name: "wrong type", input: 42, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got JSONStringArray
			err := got.Scan(tt.input)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	val, err := JSONStringArray{"a"}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `["a"]`, string(val.([]byte)))

	nilVal, err := JSONStringArray(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, nilVal)
}

func TestJSONIntMapScanValue(t *testing.T) {
	var got JSONIntMap
	require.NoError(t, got.Scan([]byte(`{"oak":100,"walnut":40}`)))
	assert.Equal(t, JSONIntMap{"oak": 100, "walnut": 40}, got)

	require.NoError(t, got.Scan(nil))
	assert.Nil(t, got)

	assert.Error(t, got.Scan([]byte(`["not","a","map"]`)))

	val, err := JSONIntMap{"oak": 100}.Value()
	require.NoError(t, err)
	assert.JSONEq(t, `{"oak":100}`, string(val.([]byte)))

	nilVal, err := JSONIntMap(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, nilVal)
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "generation_jobs", Job{}.TableName())
	assert.Equal(t, "job_events", JobEvent{}.TableName())
}
