// Package lifecycle defines the order status events relayed to live observers.
package lifecycle

import (
	"encoding/json"
	"fmt"

	"github.com/Aidin1998/swapflow/pkg/models"
)

// Event is one of Routing, BuildingTx, Submitting, Confirmed or Failed.
type Event interface {
	Status() models.OrderStatus
	isEvent()
}

// Routing is published when quotes are being collected.
type Routing struct{}

// BuildingTx is published once the best venue is chosen.
type BuildingTx struct {
	Venue string
}

// Submitting is published right before execution.
type Submitting struct{}

// Confirmed is published after a successful execution.
type Confirmed struct {
	SettlementID string
	Venue        string
}

// Failed is published when an attempt fails.
type Failed struct {
	Error string
}

func (Routing) Status() models.OrderStatus    { return models.OrderStatusRouting }
func (BuildingTx) Status() models.OrderStatus { return models.OrderStatusBuildingTx }
func (Submitting) Status() models.OrderStatus { return models.OrderStatusSubmitting }
func (Confirmed) Status() models.OrderStatus  { return models.OrderStatusConfirmed }
func (Failed) Status() models.OrderStatus     { return models.OrderStatusFailed }

func (Routing) isEvent()    {}
func (BuildingTx) isEvent() {}
func (Submitting) isEvent() {}
func (Confirmed) isEvent()  {}
func (Failed) isEvent()     {}

// wire is the JSON frame shape: {"status": ..., plus state specific members}.
type wire struct {
	Status       models.OrderStatus `json:"status"`
	Venue        string             `json:"venue,omitempty"`
	SettlementID string             `json:"settlementId,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Encode serializes an event into its frame.
func Encode(e Event) ([]byte, error) {
	var w wire
	switch ev := e.(type) {
	case Routing:
		w = wire{Status: ev.Status()}
	case BuildingTx:
		w = wire{Status: ev.Status(), Venue: ev.Venue}
	case Submitting:
		w = wire{Status: ev.Status()}
	case Confirmed:
		w = wire{Status: ev.Status(), SettlementID: ev.SettlementID, Venue: ev.Venue}
	case Failed:
		w = wire{Status: ev.Status(), Error: ev.Error}
	default:
		return nil, fmt.Errorf("lifecycle: unknown event %T", e)
	}
	return json.Marshal(w)
}

// Decode parses a frame back into its event variant.
func Decode(data []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("lifecycle: decode frame: %w", err)
	}
	switch w.Status {
	case models.OrderStatusRouting:
		return Routing{}, nil
	case models.OrderStatusBuildingTx:
		return BuildingTx{Venue: w.Venue}, nil
	case models.OrderStatusSubmitting:
		return Submitting{}, nil
	case models.OrderStatusConfirmed:
		return Confirmed{SettlementID: w.SettlementID, Venue: w.Venue}, nil
	case models.OrderStatusFailed:
		return Failed{Error: w.Error}, nil
	default:
		return nil, fmt.Errorf("lifecycle: unexpected status %q", w.Status)
	}
}
