package api

import (
	"net"
	"net/http"
	"net/http/pprof"
	"sort"

	"github.com/db-incubator/asyncmysql/pkg/client"
	"github.com/db-incubator/asyncmysql/pkg/config"
	"github.com/db-incubator/asyncmysql/pkg/profilecenter"
	utilerrors "github.com/db-incubator/asyncmysql/pkg/util/errors"
	"github.com/gin-gonic/gin"
	"github.com/pingcap/tidb/util/logutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	ParamProfile = "profile"
)

// StatusServer exposes client stats, profile inspection, prometheus metrics
// and pprof over HTTP. Optional; tools enable it from config.
type StatusServer struct {
	cfg      *config.Client
	client   *client.Client
	pcenter  *profilecenter.Center
	listener net.Listener
	closeCh  chan struct{}

	engine *gin.Engine
}

type CommonJsonResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type ProfileHttpHandler struct {
	pcenter *profilecenter.Center
}

func NewProfileHttpHandler(pcenter *profilecenter.Center) *ProfileHttpHandler {
	return &ProfileHttpHandler{pcenter: pcenter}
}

func CreateStatusServer(cli *client.Client, pcenter *profilecenter.Center, cfg *config.Client) (*StatusServer, error) {
	server := &StatusServer{
		cfg:     cfg,
		client:  cli,
		pcenter: pcenter,
		closeCh: make(chan struct{}),
	}

	listener, err := net.Listen("tcp", cfg.StatusServer.Addr)
	if err != nil {
		return nil, err
	}
	server.listener = listener

	engine := gin.New()
	engine.Use(gin.Recovery())

	statusRouteGroup := engine.Group("/status")
	server.wrapBasicAuthGinMiddleware(statusRouteGroup)
	statusRouteGroup.GET("/", server.handleStats)

	profileRouteGroup := engine.Group("/status/profile")
	server.wrapBasicAuthGinMiddleware(profileRouteGroup)
	profileHttpHandler := NewProfileHttpHandler(server.pcenter)
	profileHttpHandler.AddHandlersToRouteGroup(profileRouteGroup)

	metricsRouteGroup := engine.Group("/metrics")
	metricsRouteGroup.GET("/", gin.WrapF(promhttp.Handler().ServeHTTP))

	pprofRouteGroup := engine.Group("/debug/pprof")
	pprofRouteGroup.Any("/", gin.WrapF(pprof.Index))
	pprofRouteGroup.Any("/cmdline", gin.WrapF(pprof.Cmdline))
	pprofRouteGroup.Any("/profile", gin.WrapF(pprof.Profile))
	pprofRouteGroup.Any("/symbol", gin.WrapF(pprof.Symbol))
	pprofRouteGroup.Any("/trace", gin.WrapF(pprof.Trace))
	pprofRouteGroup.Any("/goroutine", gin.WrapF(pprof.Handler("goroutine").ServeHTTP))
	pprofRouteGroup.Any("/heap", gin.WrapF(pprof.Handler("heap").ServeHTTP))
	pprofRouteGroup.Any("/allocs", gin.WrapF(pprof.Handler("allocs").ServeHTTP))

	server.engine = engine
	return server, nil
}

func (s *StatusServer) wrapBasicAuthGinMiddleware(group *gin.RouterGroup) {
	if !s.cfg.StatusServer.EnableBasicAuth {
		return
	}
	basicAuthUser := s.cfg.StatusServer.User
	basicAuthPassword := s.cfg.StatusServer.Password
	if basicAuthUser != "" && basicAuthPassword != "" {
		group.Use(gin.BasicAuth(gin.Accounts{basicAuthUser: basicAuthPassword}))
	}
}

func (s *StatusServer) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.client.StatsSnapshot())
}

func (s *StatusServer) Run() {
	defer func() {
		if err := s.listener.Close(); err != nil {
			logutil.BgLogger().Warn("close status server listener error", zap.Error(err))
		}
	}()

	errCh := make(chan error)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/", s.engine)
		errCh <- http.Serve(s.listener, mux)
	}()

	select {
	case <-s.closeCh:
		logutil.BgLogger().Info("closing status server")
	case err := <-errCh:
		logutil.BgLogger().Error("status server exit on error", zap.Error(err))
	}
}

func (s *StatusServer) Close() {
	close(s.closeCh)
}

func (p *ProfileHttpHandler) AddHandlersToRouteGroup(group *gin.RouterGroup) {
	group.GET("/list", p.HandleListProfiles)
	group.GET("/get/:profile", p.HandleGetProfile)
}

func (p *ProfileHttpHandler) HandleListProfiles(c *gin.Context) {
	names, err := p.pcenter.Names(c.Request.Context())
	if err != nil {
		errMsg := "list profiles from profile center error"
		logutil.BgLogger().Error(errMsg, zap.Error(err))
		c.JSON(http.StatusOK, CreateJsonResp(http.StatusInternalServerError, errMsg))
		return
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, names)
}

func (p *ProfileHttpHandler) HandleGetProfile(c *gin.Context) {
	name := c.Param(ParamProfile)
	if name == "" {
		c.JSON(http.StatusOK, CreateJsonResp(http.StatusBadRequest, "bad profile parameter"))
		return
	}
	profile, err := p.pcenter.Describe(c.Request.Context(), name)
	if err != nil {
		if utilerrors.Is(err, profilecenter.ErrProfileNotFound) {
			c.JSON(http.StatusOK, CreateJsonResp(http.StatusNotFound, "profile not found"))
			return
		}
		errMsg := "get profile from profile center error"
		logutil.BgLogger().Error(errMsg, zap.Error(err), zap.String("profile", name))
		c.JSON(http.StatusOK, CreateJsonResp(http.StatusInternalServerError, errMsg))
		return
	}
	// never leak credentials through the status surface
	redacted := *profile
	redacted.Endpoint.Password = ""
	c.JSON(http.StatusOK, redacted)
}

func CreateJsonResp(code int, msg string) CommonJsonResp {
	return CommonJsonResp{
		Code: code,
		Msg:  msg,
	}
}
