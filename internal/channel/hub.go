package channel

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/strandsec/strand/internal/model"
)

// Hub registers live sessions so channels can hand messages to each other
// in-process: flow authorization requests client-to-gateway, flow replies
// gateway-to-client, ICE candidates both ways.
type Hub struct {
	clients  *xsync.Map[model.ID, *ClientSession]
	gateways *xsync.Map[model.ID, *GatewaySession]
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:  xsync.NewMap[model.ID, *ClientSession](),
		gateways: xsync.NewMap[model.ID, *GatewaySession](),
	}
}

func (h *Hub) registerClient(s *ClientSession) {
	if old, loaded := h.clients.LoadAndStore(s.client.ID, s); loaded && old != s {
		old.shutdown()
	}
}

func (h *Hub) unregisterClient(s *ClientSession) {
	h.clients.Compute(s.client.ID, func(current *ClientSession, loaded bool) (*ClientSession, xsync.ComputeOp) {
		if loaded && current == s {
			return nil, xsync.DeleteOp
		}
		return current, xsync.CancelOp
	})
}

func (h *Hub) registerGateway(s *GatewaySession) {
	if old, loaded := h.gateways.LoadAndStore(s.gateway.ID, s); loaded && old != s {
		old.shutdown()
	}
}

func (h *Hub) unregisterGateway(s *GatewaySession) {
	h.gateways.Compute(s.gateway.ID, func(current *GatewaySession, loaded bool) (*GatewaySession, xsync.ComputeOp) {
		if loaded && current == s {
			return nil, xsync.DeleteOp
		}
		return current, xsync.CancelOp
	})
}

// Client returns the live session for a client id.
func (h *Hub) Client(id model.ID) (*ClientSession, bool) {
	return h.clients.Load(id)
}

// Gateway returns the live session for a gateway id.
func (h *Hub) Gateway(id model.ID) (*GatewaySession, bool) {
	return h.gateways.Load(id)
}

// ForwardICEToGateways delivers candidates to each addressed gateway.
func (h *Hub) ForwardICEToGateways(event string, candidates []string, from model.ID, gatewayIDs []model.ID) {
	payload := ICECandidatesPayload{Candidates: candidates, ClientIDs: []model.ID{from}}
	for _, id := range gatewayIDs {
		if gw, ok := h.gateways.Load(id); ok {
			gw.out.send(NewMessage(event, payload))
		}
	}
}

// ForwardICEToClients delivers candidates to each addressed client.
func (h *Hub) ForwardICEToClients(event string, candidates []string, from model.ID, clientIDs []model.ID) {
	payload := ICECandidatesPayload{Candidates: candidates, GatewayIDs: []model.ID{from}}
	for _, id := range clientIDs {
		if c, ok := h.clients.Load(id); ok {
			c.out.send(NewMessage(event, payload))
		}
	}
}
