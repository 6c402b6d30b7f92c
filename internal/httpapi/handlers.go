package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vncache/vncache/internal/authn"
	"github.com/vncache/vncache/internal/listener"
	"github.com/vncache/vncache/internal/logger"
)

// discoveryTimeSkew is the maximum allowed difference between a
// discovery caller's iat and this server's clock (§4.I).
const discoveryTimeSkew = 10 * time.Second

// handleWellKnown implements the no-auth bootstrap endpoint (§4.I).
func (s *Server) handleWellKnown(c *gin.Context) {
	token, err := authn.IssueWellKnown(s.keystore, s.cfg.SelfAd)
	if err != nil {
		c.String(http.StatusInternalServerError, "")
		return
	}
	c.String(http.StatusOK, token)
}

// handleDiscovery implements the authenticated discovery endpoint
// (§4.I): returns the peers this node currently has connected.
func (s *Server) handleDiscovery(c *gin.Context) {
	token := c.GetHeader("Authorization")
	claims, _, err := s.keystore.VerifyEitherClass(token)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	if err := authn.CheckTimeSkew(claims.IssuedAt, time.Now(), discoveryTimeSkew); err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var peers []authn.Advertisement
	if s.cfg.DiscoveryFn != nil {
		peers = s.cfg.DiscoveryFn()
	}

	resp, err := authn.IssueDiscoveryResponse(s.keystore, s.cfg.SelfAd.NodeID, claims, peers)
	if err != nil {
		c.String(http.StatusInternalServerError, "")
		return
	}
	c.String(http.StatusOK, resp)
}

// handleConnect dispatches to step 1 negotiation or the step-2
// WebSocket upgrade, both served on the same path (§4.K).
func (s *Server) handleConnect(c *gin.Context) {
	if websocket.IsWebSocketUpgrade(c.Request) {
		s.handleUpgrade(c)
		return
	}
	s.handleStep1(c)
}

func (s *Server) handleStep1(c *gin.Context) {
	callerToken := c.GetHeader("Authorization")
	if callerToken == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	claims, isPeer, err := s.keystore.VerifyEitherClass(callerToken)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	result, err := authn.BuildServerResponse(s.keystore, s.cfg.SelfAd.NodeID, s.audience, claims, isPeer, c.ClientIP(), s.cfg.Limits)
	if err != nil {
		c.String(http.StatusInternalServerError, "")
		return
	}
	c.String(http.StatusOK, result.Token)
}

func (s *Server) handleUpgrade(c *gin.Context) {
	_, acquired := c.Get("admission_acquired")
	released := false
	release := func() {
		if !released {
			released = true
			if acquired {
				s.admission.release()
			}
		}
	}
	handedOff := false
	defer func() {
		if !handedOff {
			release()
		}
	}()

	serverToken := c.GetHeader("Authorization")
	upgradeSig := c.GetHeader("X-Upgrade-Sig")
	if serverToken == "" || upgradeSig == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	claims, err := authn.ValidateUpgrade(s.keystore, serverToken, s.audience, c.ClientIP(), s.cfg.VerifyIP, time.Now())
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	keys := s.keystore.ClientKeys
	if claims.IsPeer {
		keys = s.keystore.PeerKeys
	}
	if err := authn.VerifyUpgrade(keys, serverToken, upgradeSig); err != nil {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	recvBuf := authn.Clamp(queryInt(c, "recv_buf", s.cfg.Limits.RecvMax), s.cfg.Limits.RecvMin, s.cfg.Limits.RecvMax)
	headerBuf := authn.Clamp(queryInt(c, "header_buf", s.cfg.Limits.HeaderMax), s.cfg.Limits.HeaderMin, s.cfg.Limits.HeaderMax)
	maxMessage := authn.Clamp(queryInt(c, "max_mess", s.cfg.Limits.Message), 1024, s.cfg.Limits.Message)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  recvBuf,
		WriteBufferSize: headerBuf,
		Subprotocols:    []string{"object-cache"},
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.HTTP().Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	var advertisement *authn.Advertisement
	if discoveryToken := c.GetHeader("X-Node-Discovery"); discoveryToken != "" && claims.IsPeer {
		if ad, err := authn.ParseDiscoveryAdvertisement(s.keystore, discoveryToken); err == nil {
			advertisement = &ad
		}
	}

	nodeID, _ := claims.SubjectString()
	if nodeID == "" {
		nodeID = uuid.New().String()
	}

	session := listener.NewSession(uuid.New().String(), nodeID, claims.IsPeer, conn, maxMessage, s.table, s.pipeline, s.queues, s.monitor)
	if advertisement != nil {
		session.SetAdvertisement(advertisement)
	}

	handedOff = true
	go func() {
		defer release()
		session.Run(context.Background())
	}()
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
