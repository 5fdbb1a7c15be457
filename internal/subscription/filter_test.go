package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	t.Parallel()
	rec := Record{Raw: "ASL Roma 1\n\nVISITA CARDIOLOGICA\n\n12/03/2026 09:30 - Ospedale S. Filippo Neri"}

	tests := []struct {
		name    string
		filters []string
		want    bool
	}{
		{"no filters", nil, true},
		{"empty slice", []string{}, true},
		{"blank filters ignored", []string{"", "   "}, true},
		{"case insensitive", []string{"cardiologica"}, true},
		{"upper case filter", []string{"FILIPPO"}, true},
		{"trimmed", []string{"  visita  "}, true},
		{"any filter suffices", []string{"oculistica", "neri"}, true},
		{"no match", []string{"oculistica"}, false},
		{"blank plus miss", []string{"", "dermatologia"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(rec, tt.filters))
		})
	}
}

func TestMatchesFallsBackToFields(t *testing.T) {
	t.Parallel()
	rec := Record{Label: "Ecografia addome", Date: "01/04/2026", Location: "Poliambulatorio Tiburtino"}
	assert.True(t, Matches(rec, []string{"tiburtino"}))
	assert.True(t, Matches(rec, []string{"ECOGRAFIA"}))
	assert.False(t, Matches(rec, []string{"cardio"}))
}

func TestFilterKeepsOrder(t *testing.T) {
	t.Parallel()
	recs := []Record{
		{Raw: "a cardio 1"},
		{Raw: "b derm"},
		{Raw: "c CARDIO 2"},
		{Raw: "d cardio 3"},
	}
	got := Filter(recs, []string{"Cardio"})
	assert.Equal(t, []Record{recs[0], recs[2], recs[3]}, got)

	assert.Len(t, Filter(recs, nil), 4)
	assert.Empty(t, Filter(recs, []string{"nothing"}))
	assert.NotNil(t, Filter(nil, nil))
}
