// Package guard protects the login machinery against retry storms and
// authentication loops.
//
// The Breaker is a circuit breaker over the attempt log: three attempts or
// three aborted attempts inside a rolling minute block further attempts, and
// five consecutive failures open the circuit for a thirty second cooldown.
// Manual attempts bypass the consecutive-failure gate and the cooldown but
// never the rate gates; that asymmetry is documented policy so a human always
// has an escape hatch while code does not.
//
// DetectLoop is a separate, purely diagnostic heuristic: a weighted score
// over the trailing two minutes of attempts with named indicators. Crossing
// its threshold suggests recovery actions, a subset of which may run
// automatically through a StateCleaner. The score never feeds the gates.
package guard
