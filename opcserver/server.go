package opcserver

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/server/attrs"
	"github.com/gopcua/opcua/ua"

	"github.com/guycorbaz/opcgw/config"
	"github.com/guycorbaz/opcgw/errors"
	"github.com/guycorbaz/opcgw/health"
	"github.com/guycorbaz/opcgw/metric"
	"github.com/guycorbaz/opcgw/store"
	"github.com/guycorbaz/opcgw/types"
)

// minRefresh bounds the engine-side value refresh period.
const minRefresh = 250 * time.Millisecond

// Server owns the OPC UA engine: it builds the address space once at
// startup, serves reads from the binding, and feeds client writes back
// into it. The engine owns its listeners and sessions; shutting the
// context down drains them.
type Server struct {
	cfg     *config.Config
	engine  *EngineConfig
	binding *Binding
	space   *Space

	log     *slog.Logger
	monitor *health.Monitor
	metrics *metric.Metrics

	srv *server.Server

	// writable tracks nodes clients may write, with the last value the
	// gateway itself pushed, so client writes can be told apart from
	// poller updates.
	writable   map[string]*server.Node
	writableV  map[string]Variable
	lastPushed map[string]interface{}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMonitor wires the health monitor.
func WithMonitor(m *health.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

// WithMetrics wires the core gateway metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates the OPC UA server binding. The engine document is
// loaded here so a broken deployment fails at startup, not on first
// session.
func NewServer(cfg *config.Config, st *store.Store, opts ...Option) (*Server, error) {
	engine, err := LoadEngineConfig(cfg.OpcUa.EngineConfig)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		engine:     engine,
		space:      BuildSpace(cfg),
		log:        slog.Default(),
		writable:   make(map[string]*server.Node),
		writableV:  make(map[string]Variable),
		lastPushed: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.binding = NewBinding(cfg, st, s.log, s.metrics)
	return s, nil
}

// Run starts the engine, builds the address space, and serves until ctx
// is cancelled. Bind or accept failures are fatal.
func (s *Server) Run(ctx context.Context) error {
	options, err := s.engineOptions()
	if err != nil {
		return err
	}
	s.srv = server.New(options...)

	if err := s.srv.Start(ctx); err != nil {
		if s.monitor != nil {
			s.monitor.UpdateUnhealthy("opcua", "engine failed to start")
		}
		return errors.WrapFatal(errors.ErrServerBind, "opcserver", "Run",
			fmt.Sprintf("start engine on %s:%d: %v", s.cfg.OpcUa.Host, s.cfg.OpcUa.Port, err))
	}

	if err := s.buildAddressSpace(); err != nil {
		_ = s.srv.Close()
		return err
	}

	if s.monitor != nil {
		s.monitor.UpdateHealthy("opcua", "serving")
	}
	if s.metrics != nil {
		s.metrics.ComponentState.WithLabelValues("opcua").Set(2)
	}
	s.log.Info("opc ua server started",
		"endpoint", fmt.Sprintf("opc.tcp://%s:%d%s", s.cfg.OpcUa.Host, s.cfg.OpcUa.Port, s.cfg.OpcUa.Path),
		"namespace", s.cfg.OpcUa.NamespaceURI,
		"variables", len(s.space.Variables()))

	s.refreshLoop(ctx)

	if s.metrics != nil {
		s.metrics.ComponentState.WithLabelValues("opcua").Set(4)
	}
	s.log.Info("opc ua server stopping")
	return s.srv.Close()
}

// engineOptions translates the gateway and engine configuration to the
// engine's option list.
func (s *Server) engineOptions() ([]server.Option, error) {
	options := []server.Option{
		server.EndPoint(s.cfg.OpcUa.Host, s.cfg.OpcUa.Port),
		server.ServerName(s.cfg.OpcUa.ApplicationName),
		server.ProductURI(s.cfg.OpcUa.ProductURI),
		server.ApplicationURI(s.cfg.OpcUa.ApplicationURI),
	}

	for _, pol := range s.engine.SecurityPolicies {
		options = append(options, server.EnableSecurity(pol.Policy, pol.MessageSecurityMode()))
	}
	for _, tok := range s.engine.TokenTypes() {
		options = append(options, server.EnableAuthMode(tok))
	}

	if s.engine.CertificateFile != "" && s.engine.PrivateKeyFile != "" {
		cert, key, err := loadIdentity(s.engine.CertificateFile, s.engine.PrivateKeyFile)
		if err != nil {
			return nil, err
		}
		options = append(options, server.Certificate(cert), server.PrivateKey(key))
	}

	return options, nil
}

// loadIdentity reads the server certificate and key. The gateway never
// writes PKI material.
func loadIdentity(certFile, keyFile string) ([]byte, *rsa.PrivateKey, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, nil, errors.WrapFatal(err, "opcserver", "loadIdentity",
			fmt.Sprintf("load key pair %s / %s", certFile, keyFile))
	}
	key, ok := pair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, errors.WrapFatal(errors.ErrInvalidConfig, "opcserver", "loadIdentity",
			"server private key must be RSA")
	}
	return pair.Certificate[0], key, nil
}

// buildAddressSpace mirrors the configured hierarchy under the Objects
// folder: one folder per application, one per device, one variable per
// metric.
func (s *Server) buildAddressSpace() error {
	ns := server.NewNodeNameSpace(s.srv, s.cfg.OpcUa.NamespaceURI)
	nsObjects := ns.Objects()

	root, err := s.srv.Namespace(0)
	if err != nil {
		return errors.WrapFatal(err, "opcserver", "buildAddressSpace", "resolve root namespace")
	}
	root.Objects().AddRef(nsObjects, id.Organizes, true)

	for _, app := range s.space.Applications {
		appNode := s.addFolder(ns, app.NodeID, app.BrowseName)
		nsObjects.AddRef(appNode, id.Organizes, true)

		for _, dev := range app.Devices {
			devNode := s.addFolder(ns, dev.NodeID, dev.BrowseName)
			appNode.AddRef(devNode, id.Organizes, true)

			for _, v := range dev.Variables {
				varNode := s.addVariable(ns, v)
				devNode.AddRef(varNode, id.HasComponent, true)
			}
		}
	}

	s.log.Debug("address space built",
		"namespace_index", ns.ID(),
		"applications", len(s.space.Applications))
	return nil
}

// addFolder creates an object folder node.
func (s *Server) addFolder(ns *server.NodeNameSpace, nodeID, name string) *server.Node {
	n := server.NewNode(
		ua.NewStringNodeID(ns.ID(), nodeID),
		map[ua.AttributeID]*ua.DataValue{
			ua.AttributeIDNodeClass:   server.DataValueFromValue(uint32(ua.NodeClassObject)),
			ua.AttributeIDBrowseName:  server.DataValueFromValue(attrs.BrowseName(name)),
			ua.AttributeIDDisplayName: server.DataValueFromValue(attrs.DisplayName(name, "")),
		},
		nil,
		nil,
	)
	ns.AddNode(n)
	return n
}

// addVariable creates a metric variable node. Read-only variables serve
// through a value callback into the binding; writable variables hold an
// engine-side value attribute so the engine accepts client writes, which
// the refresh loop feeds back into the binding.
func (s *Server) addVariable(ns *server.NodeNameSpace, v Variable) *server.Node {
	access := byte(ua.AccessLevelTypeCurrentRead)
	if v.Writable {
		access |= byte(ua.AccessLevelTypeCurrentWrite)
	}

	baseAttrs := map[ua.AttributeID]*ua.DataValue{
		ua.AttributeIDNodeClass:   server.DataValueFromValue(uint32(ua.NodeClassVariable)),
		ua.AttributeIDBrowseName:  server.DataValueFromValue(attrs.BrowseName(v.BrowseName)),
		ua.AttributeIDDisplayName: server.DataValueFromValue(attrs.DisplayName(displayName(v), "")),
		ua.AttributeIDDataType:    server.DataValueFromValue(dataTypeID(v.Kind)),
		ua.AttributeIDAccessLevel: server.DataValueFromValue(access),
	}

	var n *server.Node
	if v.Writable {
		baseAttrs[ua.AttributeIDValue] = s.dataValue(s.binding.Read(v))
		n = server.NewNode(ua.NewStringNodeID(ns.ID(), v.NodeID), baseAttrs, nil, nil)
		s.writable[v.NodeID] = n
		s.writableV[v.NodeID] = v
	} else {
		variable := v
		n = server.NewNode(ua.NewStringNodeID(ns.ID(), v.NodeID), baseAttrs, nil,
			func() *ua.DataValue {
				return s.dataValue(s.binding.Read(variable))
			})
	}

	ns.AddNode(n)
	return n
}

// refreshLoop keeps writable nodes in sync with the store in both
// directions until ctx is cancelled: client writes flow into the binding,
// poller updates flow out to the engine.
func (s *Server) refreshLoop(ctx context.Context) {
	interval := s.cfg.Chirpstack.PollInterval / 4
	if interval < minRefresh {
		interval = minRefresh
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncWritable()
		}
	}
}

// syncWritable reconciles every writable node with the store.
func (s *Server) syncWritable() {
	for nodeID, n := range s.writable {
		v := s.writableV[nodeID]

		current := n.Value()
		if current != nil && current.Value != nil {
			raw := current.Value.Value()
			if last, ok := s.lastPushed[nodeID]; !ok || !reflect.DeepEqual(last, raw) {
				// The engine's value moved under us: a client wrote it.
				status := s.binding.Write(v, current.Value)
				if status != ua.StatusOK {
					s.log.Warn("client write rejected",
						"node_id", nodeID, "status", status)
				}
			}
		}

		// Push the canonical store value back to the engine.
		rr := s.binding.Read(v)
		dv := s.dataValue(rr)
		n.SetAttribute(ua.AttributeIDValue, dv)
		s.lastPushed[nodeID] = dv.Value.Value()
	}
}

// dataValue wraps a read result into an engine data value with the source
// timestamp of the observation.
func (s *Server) dataValue(rr ReadResult) *ua.DataValue {
	variant, err := ua.NewVariant(rr.Value)
	if err != nil {
		variant = ua.MustVariant(float64(0))
	}
	return &ua.DataValue{
		EncodingMask:    ua.DataValueValue | ua.DataValueStatusCode | ua.DataValueSourceTimestamp,
		Value:           variant,
		Status:          rr.Status,
		SourceTimestamp: rr.SourceTime,
	}
}

// displayName appends the engineering unit when configured.
func displayName(v Variable) string {
	if v.Unit != "" {
		return fmt.Sprintf("%s (%s)", v.BrowseName, v.Unit)
	}
	return v.BrowseName
}

// dataTypeID maps a declared kind to the engine data type node.
func dataTypeID(k types.Kind) *ua.NodeID {
	switch k {
	case types.KindBool:
		return ua.NewNumericNodeID(0, id.Boolean)
	case types.KindInt:
		return ua.NewNumericNodeID(0, id.Int64)
	case types.KindFloat:
		return ua.NewNumericNodeID(0, id.Double)
	case types.KindString:
		return ua.NewNumericNodeID(0, id.String)
	default:
		return ua.NewNumericNodeID(0, id.Double)
	}
}

// Binding returns the read/write binding, exposed for tests.
func (s *Server) Binding() *Binding {
	return s.binding
}

// Space returns the address-space model, exposed for tests and
// diagnostics.
func (s *Server) Space() *Space {
	return s.space
}
