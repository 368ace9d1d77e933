package insurance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestProfileKeys_RenumberedCardIsReachableByBothNumbers(t *testing.T) {
	p := Profile{CardNumber: "DN4797933384380", OriginalNumber: "GD4797933384379", CitizenID: "001090001234"}

	assert.Equal(t, []string{
		CardKey("DN4797933384380"),
		CardKey("GD4797933384379"),
		CitizenKey("001090001234"),
	}, p.Keys())
}

func TestProfileKeys_CitizenNumberQueriedAsCard(t *testing.T) {
	p := Profile{CardNumber: "001090001234"}
	assert.Equal(t, []string{CitizenKey("001090001234")}, p.Keys())
}

func TestStoreLookupForget(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()
	c := NewMemoryCache()

	p := Profile{CardNumber: "Y0000000000002", OriginalNumber: "X0000000000001", FullName: "Nguyễn Văn An"}
	Store(ctx, c, p, time.Hour, log)

	got, ok := Lookup(ctx, c, "X0000000000001", "", log)
	assert.True(t, ok)
	assert.Equal(t, "Y0000000000002", got.CardNumber)

	got, ok = Lookup(ctx, c, "y0000000000002", "", log)
	assert.True(t, ok, "card keys are case-insensitive")
	assert.Equal(t, "Nguyễn Văn An", got.FullName)

	Forget(ctx, c, "X0000000000001", "", log)

	_, ok = Lookup(ctx, c, "Y0000000000002", "", log)
	assert.False(t, ok, "forgetting by the old number must also drop the renumbered key")
}

func TestLookup_FallsBackToCitizenID(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()
	c := NewMemoryCache()

	Store(ctx, c, Profile{CardNumber: "079203001122"}, time.Hour, log)

	got, ok := Lookup(ctx, c, "", "079203001122", log)
	assert.True(t, ok)
	assert.Equal(t, "079203001122", got.CardNumber)
}
