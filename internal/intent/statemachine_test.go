package intent

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Intent state machine", func() {
	allStates := []State{
		StateProposed, StateClassified, StateAwaitingApproval, StateApproved,
		StateRunning, StateBlocked, StateWaitingForInput,
		StateCompleted, StateFailed, StateRejected, StateCanceled,
	}

	legal := map[State][]State{
		StateProposed:         {StateClassified, StateRejected},
		StateClassified:       {StateAwaitingApproval, StateApproved, StateRejected},
		StateAwaitingApproval: {StateApproved, StateRejected, StateCanceled},
		StateApproved:         {StateRunning, StateCanceled},
		StateRunning:          {StateCompleted, StateFailed, StateBlocked, StateWaitingForInput},
		StateBlocked:          {StateApproved, StateCanceled, StateFailed},
		StateWaitingForInput:  {StateRunning, StateCanceled, StateFailed},
	}

	Context("soundness", func() {
		It("accepts a transition if and only if it is in the successor set", func() {
			for _, from := range allStates {
				allowed := map[State]bool{}
				for _, to := range legal[from] {
					allowed[to] = true
				}
				for _, to := range allStates {
					err := CanTransition(from, to)
					if allowed[to] {
						Expect(err).NotTo(HaveOccurred(), "expected %s -> %s to be legal", from, to)
					} else {
						Expect(err).To(MatchError(ErrInvalidTransition), "expected %s -> %s to be rejected", from, to)
					}
				}
			}
		})

		It("rejects transitions from unknown states", func() {
			Expect(CanTransition("limbo", StateApproved)).To(MatchError(ErrInvalidTransition))
		})
	})

	Context("terminal states", func() {
		terminals := []State{StateCompleted, StateFailed, StateRejected, StateCanceled}

		It("has an empty successor set for every terminal state", func() {
			for _, s := range terminals {
				Expect(IsTerminal(s)).To(BeTrue(), "%s should be terminal", s)
				Expect(Successors(s)).To(BeEmpty())
			}
		})

		It("treats every non-terminal state as having successors", func() {
			for from := range legal {
				Expect(IsTerminal(from)).To(BeFalse(), "%s should not be terminal", from)
				Expect(Successors(from)).NotTo(BeEmpty())
			}
		})
	})

	Context("state validity", func() {
		It("recognizes the defined symbols and nothing else", func() {
			for _, s := range allStates {
				Expect(IsValidState(s)).To(BeTrue())
			}
			Expect(IsValidState("half_done")).To(BeFalse())
		})
	})
})
