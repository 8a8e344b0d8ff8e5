//go:build property
// +build property

package channel

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/helm-signer/pkg/reason"
)

// TestCounterDiscipline delivers sealed frames in an arbitrary order and
// checks that exactly the frames with counter == last+1 are accepted.
// Property: accepted(f) <=> f.Counter == lastAccepted+1
func TestCounterDiscipline(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("only the next counter is accepted", prop.ForAll(
		func(order []int) bool {
			caller, signer := newPair(t, DefaultLimits(), DefaultLimits(), nil)
			const n = 8
			frames := make([]*Frame, n)
			for i := range frames {
				f, err := caller.Seal(MsgRequest, []byte{byte(i)})
				if err != nil {
					return false
				}
				frames[i] = f
			}

			var last uint64
			for _, idx := range order {
				f := frames[idx%n]
				_, _, err := signer.Open(f)
				if f.Counter == last+1 {
					if err != nil {
						return false
					}
					last = f.Counter
					continue
				}
				if reason.Of(err, "") != reason.DenyReplay {
					return false
				}
			}
			_, got := signer.Counters()
			return got == last
		},
		gen.SliceOf(gen.IntRange(0, 7)),
	))

	properties.TestingRun(t)
}
