package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/n9te9/fedgraph-router/federation/planner"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
)

// subscription message types, following the graphql-ws (graphql-transport-ws)
// subprotocol: connection_init/connection_ack to open the socket, then one
// subscribe/next/error/complete exchange per active subscription id.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

var subscriptionUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	Subprotocols:    []string{"graphql-transport-ws"},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsEnvelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

// subscriptionConn tracks one client websocket connection and the upstream
// subgraph streams it has opened on the client's behalf.
type subscriptionConn struct {
	socket *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func (c *subscriptionConn) writeJSON(v *wsEnvelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteJSON(v)
}

func (c *subscriptionConn) stop(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.active[id]; ok {
		cancel()
		delete(c.active, id)
	}
}

func (c *subscriptionConn) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.active {
		cancel()
		delete(c.active, id)
	}
}

// isWebsocketUpgrade reports whether r asks to be upgraded to a websocket
// connection, the signal ServeHTTP uses to route to the subscription
// transport instead of the regular request/response GraphQL pipeline.
func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// serveSubscription upgrades the HTTP connection and speaks graphql-ws over
// it, one subscription root field at a time. A subscription root field is
// owned by exactly one subgraph (federation does not let a Subscription type
// fan out the way Query/Mutation can), so each subscribe message resolves to
// a single upstream websocket the gateway relays verbatim.
func (g *gateway) serveSubscription(w http.ResponseWriter, r *http.Request) {
	socket, err := subscriptionUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer socket.Close()

	c := &subscriptionConn{socket: socket, active: make(map[string]context.CancelFunc)}
	defer c.stopAll()

	for {
		var env wsEnvelope
		if err := socket.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case msgConnectionInit:
			if err := c.writeJSON(&wsEnvelope{Type: msgConnectionAck}); err != nil {
				return
			}

		case msgSubscribe:
			var payload subscribePayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				c.writeJSON(&wsEnvelope{ID: env.ID, Type: msgError, Payload: rawErrorPayload(err)})
				continue
			}

			ctx, cancel := context.WithCancel(r.Context())
			c.mu.Lock()
			c.active[env.ID] = cancel
			c.mu.Unlock()

			go g.relaySubscription(ctx, c, env.ID, &payload)

		case msgComplete:
			c.stop(env.ID)
		}
	}
}

// relaySubscription plans the subscription operation to find its owning
// subgraph, dials that subgraph's own graphql-ws endpoint, and pipes "next"
// payloads back to the client under the client's subscription id until the
// upstream closes or the client sends complete.
func (g *gateway) relaySubscription(ctx context.Context, c *subscriptionConn, id string, payload *subscribePayload) {
	defer c.stop(id)

	engine := g.currentEngine()

	l := lexer.New(payload.Query)
	p := parser.New(l)
	doc := p.ParseDocument()
	if errs := p.Errors(); len(errs) > 0 {
		c.writeJSON(&wsEnvelope{ID: id, Type: msgError, Payload: rawErrorPayload(fmt.Errorf("parse error: %v", errs))})
		return
	}

	plan, err := engine.planner.Plan(doc, payload.Variables)
	if err != nil {
		c.writeJSON(&wsEnvelope{ID: id, Type: msgError, Payload: rawErrorPayload(err)})
		return
	}
	if plan.OperationType != "subscription" || len(plan.RootStepIndexes) == 0 {
		c.writeJSON(&wsEnvelope{ID: id, Type: msgError, Payload: rawErrorPayload(fmt.Errorf("not a subscription operation"))})
		return
	}

	root := findStep(plan, plan.RootStepIndexes[0])
	if root == nil || root.SubGraph == nil {
		c.writeJSON(&wsEnvelope{ID: id, Type: msgError, Payload: rawErrorPayload(fmt.Errorf("subscription root field has no owning subgraph"))})
		return
	}

	upstreamURL, err := toWebsocketURL(root.SubGraph.Host)
	if err != nil {
		c.writeJSON(&wsEnvelope{ID: id, Type: msgError, Payload: rawErrorPayload(err)})
		return
	}

	dialer := websocket.Dialer{Subprotocols: []string{"graphql-transport-ws"}}
	upstream, _, err := dialer.DialContext(ctx, upstreamURL, nil)
	if err != nil {
		c.writeJSON(&wsEnvelope{ID: id, Type: msgError, Payload: rawErrorPayload(err)})
		return
	}
	defer upstream.Close()

	go func() {
		<-ctx.Done()
		upstream.Close()
	}()

	initPayload, _ := json.Marshal(map[string]any{})
	if err := upstream.WriteJSON(&wsEnvelope{Type: msgConnectionInit, Payload: initPayload}); err != nil {
		return
	}

	subPayload, _ := json.Marshal(payload)
	if err := upstream.WriteJSON(&wsEnvelope{ID: id, Type: msgSubscribe, Payload: subPayload}); err != nil {
		return
	}

	for {
		var env wsEnvelope
		if err := upstream.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case msgConnectionAck:
			continue
		case msgNext:
			if err := c.writeJSON(&wsEnvelope{ID: id, Type: msgNext, Payload: env.Payload}); err != nil {
				return
			}
		case msgError:
			c.writeJSON(&wsEnvelope{ID: id, Type: msgError, Payload: env.Payload})
			return
		case msgComplete:
			c.writeJSON(&wsEnvelope{ID: id, Type: msgComplete})
			return
		}
	}
}

func findStep(p *planner.PlanV2, id int) *planner.StepV2 {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// toWebsocketURL rewrites a subgraph's HTTP(S) base URL into its websocket
// equivalent (http -> ws, https -> wss), assuming the subgraph serves its
// own subscription transport at the same host.
func toWebsocketURL(host string) (string, error) {
	switch {
	case strings.HasPrefix(host, "https://"):
		return "wss://" + strings.TrimPrefix(host, "https://"), nil
	case strings.HasPrefix(host, "http://"):
		return "ws://" + strings.TrimPrefix(host, "http://"), nil
	case strings.HasPrefix(host, "ws://"), strings.HasPrefix(host, "wss://"):
		return host, nil
	default:
		return "", fmt.Errorf("cannot derive websocket URL from host %q", host)
	}
}

func rawErrorPayload(err error) json.RawMessage {
	b, _ := json.Marshal([]map[string]any{{"message": err.Error()}})
	return b
}
