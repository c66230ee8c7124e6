package assembly

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/harvester/internal/domain/record"
	"github.com/ahrav/harvester/pkg/common/logger"
)

type stubEnricher struct {
	mu     sync.Mutex
	calls  map[string]int
	values map[string]map[string]record.Value
	fail   map[string]error
}

func newStubEnricher() *stubEnricher {
	return &stubEnricher{
		calls:  make(map[string]int),
		values: make(map[string]map[string]record.Value),
		fail:   make(map[string]error),
	}
}

func (s *stubEnricher) Enrich(_ context.Context, key string) (map[string]record.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++
	if err := s.fail[key]; err != nil {
		return nil, err
	}
	return s.values[key], nil
}

var profileSchema = Schema{
	Fields:         []string{"username", "comment", "location", "follower_count"},
	PrimaryField:   "username",
	EnrichedFields: []string{"location", "follower_count"},
}

func newAssembler(e Enricher) *Assembler {
	return New(profileSchema, e, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func frag(link string, fields map[string]string) Fragment {
	f := Fragment{EnrichmentKey: link, Fields: make(map[string]record.Value)}
	for k, v := range fields {
		f.Fields[k] = record.Present(v)
	}
	return f
}

func TestAssemble_FieldPrecedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		inPage   map[string]string
		enriched map[string]record.Value
		failWith error
		want     map[string]string
	}{
		{
			name:     "enrichment wins over in-page value",
			inPage:   map[string]string{"username": "alice", "location": "page-city"},
			enriched: map[string]record.Value{"location": record.Present("profile-city")},
			want:     map[string]string{"username": "alice", "location": "profile-city"},
		},
		{
			name:     "missing enrichment falls back to in-page",
			inPage:   map[string]string{"username": "alice", "location": "page-city"},
			enriched: map[string]record.Value{"location": record.Missing()},
			want:     map[string]string{"username": "alice", "location": "page-city"},
		},
		{
			name:     "sentinel text counts as missing",
			inPage:   map[string]string{"username": "alice", "follower_count": "12"},
			enriched: map[string]record.Value{"follower_count": record.Present(record.MissingSentinel)},
			want:     map[string]string{"username": "alice", "follower_count": "12"},
		},
		{
			name:     "failed lookup leaves enrichment-only fields missing",
			inPage:   map[string]string{"username": "alice", "comment": "hi"},
			failWith: errors.New("profile timed out"),
			want:     map[string]string{"username": "alice", "comment": "hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := newStubEnricher()
			e.values["/u/alice"] = tt.enriched
			if tt.failWith != nil {
				e.fail["/u/alice"] = tt.failWith
			}

			res, err := newAssembler(e).Assemble(context.Background(), NewScope(),
				[]Fragment{frag("/u/alice", tt.inPage)})
			require.NoError(t, err)
			require.Len(t, res.Records, 1)

			rec := res.Records[0].Record
			assert.Equal(t, profileSchema.Fields, rec.Fields())
			for _, name := range profileSchema.Fields {
				want, ok := tt.want[name]
				if !ok {
					assert.True(t, rec.Get(name).IsMissing(), "field %s", name)
					continue
				}
				assert.Equal(t, want, rec.Get(name).Text(), "field %s", name)
			}
			if tt.failWith != nil {
				assert.Equal(t, 1, res.EnrichFailures)
			}
		})
	}
}

func TestAssemble_DeduplicatesWithinScope(t *testing.T) {
	t.Parallel()

	a := newAssembler(newStubEnricher())
	scope := NewScope()

	frags := []Fragment{
		frag("/u/alice", map[string]string{"username": "alice"}),
		frag("/u/alice", map[string]string{"username": "alice again"}),
		frag("", map[string]string{"username": "bob"}),
		frag("", map[string]string{"username": " bob "}),
		frag("", nil),
	}

	res, err := a.Assemble(context.Background(), scope, frags)
	require.NoError(t, err)

	require.Len(t, res.Records, 2)
	assert.Equal(t, "id:/u/alice", res.Records[0].Key)
	assert.Equal(t, "text:bob", res.Records[1].Key)
	assert.Equal(t, 2, res.Duplicates)
	assert.Len(t, res.Rejected, 1)

	// A second page in the same task sees the same keys.
	res, err = a.Assemble(context.Background(), scope, frags[:1])
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Equal(t, 1, res.Duplicates)

	// A fresh task starts clean.
	res, err = a.Assemble(context.Background(), NewScope(), frags[:1])
	require.NoError(t, err)
	assert.Len(t, res.Records, 1)
}

func TestAssemble_CachesLookupsPerScope(t *testing.T) {
	t.Parallel()

	e := newStubEnricher()
	e.fail["/u/flaky"] = errors.New("boom")
	e.values["/u/carol"] = map[string]record.Value{"location": record.Present("Paris")}

	a := newAssembler(e)
	scope := NewScope()

	_, err := a.Assemble(context.Background(), scope, []Fragment{
		frag("/u/carol", map[string]string{"username": "carol"}),
		frag("/u/flaky", map[string]string{"username": "dave"}),
	})
	require.NoError(t, err)

	v, err := a.enrich(context.Background(), scope, "/u/carol")
	require.NoError(t, err)
	assert.Equal(t, "Paris", v["location"].Text())

	_, err = a.enrich(context.Background(), scope, "/u/flaky")
	require.Error(t, err)

	assert.Equal(t, 1, e.calls["/u/carol"])
	assert.Equal(t, 1, e.calls["/u/flaky"])
}

func TestAssemble_NilEnricherUsesInPageOnly(t *testing.T) {
	t.Parallel()

	res, err := newAssembler(nil).Assemble(context.Background(), NewScope(),
		[]Fragment{frag("/u/erin", map[string]string{"username": "erin", "comment": "nice"})})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "nice", res.Records[0].Record.Get("comment").Text())
	assert.True(t, res.Records[0].Record.Get("location").IsMissing())
}

func TestAssemble_StopsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newAssembler(nil).Assemble(ctx, NewScope(),
		[]Fragment{frag("", map[string]string{"username": "frank"})})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Records)
}
