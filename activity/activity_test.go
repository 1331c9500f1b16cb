package activity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowcore/runengine/errkind"
	"github.com/flowcore/runengine/workflow"
)

func TestClassifyTransientErrkindStaysTransient(t *testing.T) {
	err := errkind.New(errkind.Timeout, "retrieval timed out")
	require.Equal(t, workflow.Transient(err), classify(err))
}

func TestClassifyFatalErrkindStaysFatal(t *testing.T) {
	err := errkind.New(errkind.BadPlan, "planner returned no strategy")
	require.Equal(t, workflow.Fatal(err), classify(err))
}

func TestClassifyUnclassifiedErrorDefaultsToTransientNetworkFailure(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := errkind.Wrap(errkind.NetworkFailure, "", cause)
	require.Equal(t, workflow.Transient(wrapped), classify(cause))
}

func TestRequestIDIsDeterministic(t *testing.T) {
	a := requestID("run1", workflow.StepRespond, 2)
	b := requestID("run1", workflow.StepRespond, 2)
	require.Equal(t, a, b)
	require.Equal(t, "run1:respond:2", a)
}
