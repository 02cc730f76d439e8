package implicitio

import (
	"fmt"

	"go.uber.org/zap"
)

// Publisher bundles the explicit and cyclic channels and the shared Store
// behind a single start/stop surface for cmd/zonewatch wiring.
type Publisher struct {
	Store    *Store
	Explicit *ExplicitServer
	Cyclic   *CyclicServer
}

// NewPublisher binds both channels. A bind failure on either is a publisher
// setup failure: the caller disables the whole publisher and proceeds.
func NewPublisher(explicitAddr, cyclicAddr string, log *zap.Logger) (*Publisher, error) {
	store := NewStore()

	cyclic, err := NewCyclicServer(cyclicAddr, store, log)
	if err != nil {
		return nil, fmt.Errorf("binding implicit-io cyclic channel on %s: %w", cyclicAddr, err)
	}

	explicit, err := NewExplicitServer(explicitAddr, cyclic, log)
	if err != nil {
		cyclic.Close()
		return nil, fmt.Errorf("binding implicit-io explicit channel on %s: %w", explicitAddr, err)
	}

	return &Publisher{Store: store, Explicit: explicit, Cyclic: cyclic}, nil
}

// Serve runs both channels' accept/read loops. Call in its own goroutines.
func (p *Publisher) Serve() {
	go p.Explicit.Serve()
	p.Cyclic.Serve()
}

// Close shuts down both channels.
func (p *Publisher) Close() {
	p.Explicit.Close()
	p.Cyclic.Close()
}
