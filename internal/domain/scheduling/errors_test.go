package scheduling

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindOverlap, KindOf(fmt.Errorf("wrapped: %w", ErrOverlap)))
	assert.Equal(t, KindInvalidInput, KindOf(ErrMeetingLinkRequired))
	assert.Equal(t, KindConflict, KindOf(fmt.Errorf("release slot: %w", ErrConflict)))
	assert.Equal(t, KindInternal, KindOf(errors.New("disk on fire")))
}
