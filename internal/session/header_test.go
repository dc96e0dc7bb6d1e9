package session

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestFrozenPrefixOffsetIsStable(t *testing.T) {
	assert.EqualValues(t, frozenPrefixSize, unsafe.Offsetof(header{}.numParticipants),
		"the frozen prefix must stay exactly 8 bytes regardless of later field additions")
}

func TestDescriptorSizeIsStable(t *testing.T) {
	assert.EqualValues(t, descriptorSize, unsafe.Sizeof(descriptor{}))
}

func TestCompatibilityCheckAcceptsFreshHeader(t *testing.T) {
	h := newSeededHeader(t)
	h.sizeOfMutex = mutexPlaceholderSize
	h.sizeOfCondvar = condvarPlaceholderSize
	h.sharedInfoVersion = layoutVersion

	assert.NoError(t, h.compatibilityCheck())
}

func TestCompatibilityCheckRejectsLayoutDrift(t *testing.T) {
	h := newSeededHeader(t)
	h.sizeOfMutex = mutexPlaceholderSize
	h.sizeOfCondvar = condvarPlaceholderSize
	h.sharedInfoVersion = layoutVersion + 1

	err := h.compatibilityCheck()
	assert.Error(t, err)
	var incompat *IncompatibleLockFileError
	assert.ErrorAs(t, err, &incompat)
}

func TestCompatibilityCheckRejectsMutexSizeMismatch(t *testing.T) {
	h := newSeededHeader(t)
	h.sizeOfMutex = mutexPlaceholderSize + 1
	h.sizeOfCondvar = condvarPlaceholderSize
	h.sharedInfoVersion = layoutVersion

	assert.Error(t, h.compatibilityCheck())
}

func TestSeedRingSetsInitialVersion(t *testing.T) {
	h := newSeededHeaderWithOverflow(t, 0)
	d := h.descriptorAt(h.ringLast())
	assert.EqualValues(t, 1, d.version)
}
