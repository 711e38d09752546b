package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/cardpoll/internal/activity"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalogContainsSeedZero(t *testing.T) {
	catalog, err := Default()
	require.NoError(t, err)

	card, ok := catalog.Lookup("seed-0")
	require.True(t, ok)
	require.Equal(t, 82, card.CountA)
	require.Equal(t, 54, card.CountB)
	require.Equal(t, 49, card.CommentCount)
	require.Equal(t, []string{"adventure", "science"}, card.Tags)

	_, ok = catalog.Lookup("missing")
	require.False(t, ok)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	content := "cards:\n  - id: custom\n    question: Left or right?\n    optionA: Left\n    optionB: Right\n    countA: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	catalog, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, catalog.Len())

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestParseRejectsInvalidSeeds(t *testing.T) {
	cases := map[string]string{
		"unknown field": "cards:\n  - id: a\n    question: q\n    optionA: x\n    optionB: y\n    votes: 3\n",
		"duplicate id":  "cards:\n  - {id: a, question: q, optionA: x, optionB: y}\n  - {id: a, question: r, optionA: x, optionB: y}\n",
		"missing id":    "cards:\n  - {question: q, optionA: x, optionB: y}\n",
		"negative":      "cards:\n  - {id: a, question: q, optionA: x, optionB: y, countA: -1}\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestWithCreatedPutsNewestFirst(t *testing.T) {
	catalog, err := Default()
	require.NoError(t, err)

	combined := catalog.WithCreated([]activity.CreatedCard{
		{UserID: "user1", Card: activity.CardBaseline{ID: "new-2", Question: "b", OptionA: "x", OptionB: "y"}},
		{UserID: "user1", Card: activity.CardBaseline{ID: "new-1", Question: "a", OptionA: "x", OptionB: "y"}},
		{UserID: "user2", Card: activity.CardBaseline{ID: "seed-0", Question: "shadow", OptionA: "x", OptionB: "y"}},
	})

	all := combined.All()
	require.Equal(t, catalog.Len()+2, combined.Len())
	require.Equal(t, "new-2", all[0].ID)
	require.Equal(t, "new-1", all[1].ID)

	seeded, ok := combined.Lookup("seed-0")
	require.True(t, ok)
	require.Equal(t, 82, seeded.CountA, "created cards never shadow seed cards")
	require.Equal(t, catalog.Len(), len(catalog.All()), "original catalog is unchanged")
}
