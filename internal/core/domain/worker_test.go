package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerCanServe(t *testing.T) {
	org := WorkerCapacity{Kind: WorkerKindOrganelle, MaxConcurrent: 1, Capabilities: []TaskKind{TaskKindNetwork}}
	desk := WorkerCapacity{Kind: WorkerKindDesktopCell, MaxConcurrent: 1}

	assert.True(t, org.CanServe(Task{Kind: TaskKindNetwork}))
	assert.False(t, org.CanServe(Task{Kind: TaskKindComplex}))
	assert.False(t, org.CanServe(Task{Kind: TaskKindNetwork, RequiresDesktop: true}))

	for _, k := range TaskKinds {
		assert.True(t, desk.CanServe(Task{Kind: k}), "desktop cell must serve %s", k)
	}
	assert.True(t, desk.CanServe(Task{Kind: TaskKindSystem, RequiresDesktop: true}))
	assert.False(t, desk.HasCapability(TaskKindComplex))
}

func TestWorkerValidate(t *testing.T) {
	valid := WorkerCapacity{ID: "a", Kind: WorkerKindOrganelle, MaxConcurrent: 2, Capabilities: []TaskKind{TaskKindLightweight}}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.Capabilities = []TaskKind{"gpu"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidCapacity)

	bad = valid
	bad.MaxConcurrent = -1
	assert.ErrorIs(t, bad.Validate(), ErrInvalidCapacity)
}

func TestDeliveryError(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(&DeliveryError{WorkerID: "a", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")

	var de *DeliveryError
	assert.True(t, errors.As(&DeliveryError{WorkerID: "b", StatusCode: 503}, &de))
	assert.Equal(t, 503, de.StatusCode)
	assert.Contains(t, de.Error(), "status 503")
}
