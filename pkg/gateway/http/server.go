package http

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/engine"
	"github.com/samsamfire/godcm/pkg/gateway"
	log "github.com/sirupsen/logrus"
)

const API_VERSION = "1.0"
const MAX_SEQUENCE_NB = 2<<31 - 1
const URI_PATTERN = `/dcm/(\d+\.\d+)/(\d{1,10})/(0x[0-9a-f]{1,2}|\d{1,3}|default|all)/(.*)`
const DID_COMMAND_URI_PATTERN = `^(?:r|read|w|write)/(0x[0-9a-fA-F]{1,4}|\d{1,5})$`

var regURI = regexp.MustCompile(URI_PATTERN)
var regDID = regexp.MustCompile(DID_COMMAND_URI_PATTERN)

type GatewayServer struct {
	*gateway.BaseGateway
	logger   *log.Entry
	serveMux *http.ServeMux
	routes   map[string]GatewayRequestHandler
}

// Create a new gateway
func NewGatewayServer(e *engine.Engine, defaultProtocol dcm.ProtocolID, logger *log.Logger) *GatewayServer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	base := gateway.NewBaseGateway(e, defaultProtocol, logger)
	gw := &GatewayServer{BaseGateway: base, logger: logger.WithField("service", "[HTTP]")}
	gw.serveMux = http.NewServeMux()
	gw.serveMux.HandleFunc("/", gw.handleRequest) // This base route handles all the requests
	gw.routes = make(map[string]GatewayRequestHandler)

	// Data identifiers
	gw.addRoute("r", gw.handleRead)
	gw.addRoute("read", gw.handleRead)
	gw.addRoute("w", gw.handleWrite)
	gw.addRoute("write", gw.handleWrite)

	// Jobs
	gw.addRoute("start/roe", gw.handleRoe)
	gw.addRoute("start/periodic", gw.handlePeriodic)
	gw.addRoute("bootloader/return", gw.handleBootloaderReturn)

	// Communication control
	gw.addRoute("enable/comm", gw.createCommunicationHandler(true))
	gw.addRoute("enable/communication", gw.createCommunicationHandler(true))
	gw.addRoute("disable/comm", gw.createCommunicationHandler(false))
	gw.addRoute("disable/communication", gw.createCommunicationHandler(false))

	// Information
	gw.addRoute("status", gw.handleStatus)
	gw.addRoute("set/protocol", gw.handleSetDefaultProtocol)
	gw.addRoute("info/version", gw.handleGetVersion)

	return gw
}

// Serve requests until ctx is done
func (g *GatewayServer) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: g.serveMux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	g.logger.Infof("listening on %v", addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Add a route to the server for handling a specific command
func (g *GatewayServer) addRoute(command string, handler GatewayRequestHandler) {
	g.routes[command] = handler
}
