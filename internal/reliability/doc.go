// Package reliability provides the circuit breaker that gates channel opens.
//
// The bridge never retries. The breaker exists so that, once the transport
// has refused several opens in a row, further opens fail immediately with a
// CircuitBreakerError instead of each waiting out the open timeout:
//
//	cb := reliability.NewCircuitBreaker(
//	    reliability.WithFailureThreshold(3),
//	    reliability.WithTimeout(10 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    handle, err = transport.Open(ctx, deliver)
//	    return err
//	})
package reliability
