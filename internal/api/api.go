// Package api exposes the firewall to the user interface over HTTP.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/micrictor/appwall/internal/config"
	"github.com/micrictor/appwall/internal/firewall"
	"github.com/micrictor/appwall/internal/gate"
	"github.com/micrictor/appwall/internal/packet"
	"github.com/micrictor/appwall/internal/rules"
	"github.com/micrictor/appwall/internal/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Controller is the part of the firewall the api drives.
type Controller interface {
	Status() firewall.Status
	SetPaused(paused bool) error
	DefaultPolicy() rules.Policy
	SetDefaultPolicy(p rules.Policy) error
	Rules(uid int) []rules.Rule
	AddRule(r rules.Rule) error
	RemoveRule(r rules.Rule) error
	Watched() []int
	SetUserWatched(uid int, watched bool) error
	Pending() []*gate.Pending
	Answer(id string, accept, createRule bool, redirect *packet.Endpoint) error
	Identity(uid int) (config.AppIdentity, bool)
	Diagnostics() *firewall.Diagnostics
}

type Response struct {
	Code int         `json:"code,omitempty"`
	Msg  string      `json:"msg,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

type Options struct {
	AccessLog bool
	// Keyfunc verifies bearer tokens; nil disables authentication.
	Keyfunc jwt.Keyfunc
}

type handler struct {
	fw Controller
}

func Register(r *gin.Engine, fw Controller, opts *Options) {
	if opts == nil {
		opts = &Options{}
	}

	r.Use(
		cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:    []string{"*"},
		}),
		gin.Recovery(),
	)
	if opts.AccessLog {
		r.Use(mwLogger(logrus.WithField("component", "api")))
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handler{fw: fw}
	router := r.Group("")
	router.Use(mwBearerAuth(opts.Keyfunc))

	router.GET("/status", h.getStatus)
	router.PUT("/status", h.putStatus)

	router.GET("/policy", h.getPolicy)
	router.PUT("/policy", h.putPolicy)

	router.GET("/rules", h.getRules)
	router.POST("/rules", h.createRule)
	router.DELETE("/rules", h.deleteRule)

	router.GET("/apps", h.getApps)
	router.PUT("/apps/:uid", h.putApp)

	router.GET("/pending", h.getPending)
	router.POST("/pending/:id/accept", h.answer(true))
	router.POST("/pending/:id/block", h.answer(false))

	router.GET("/diagnostics", h.getDiagnostics)
}

func (h *handler) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Data: h.fw.Status()})
}

type putStatusRequest struct {
	Paused *bool `json:"paused"`
}

func (h *handler) putStatus(c *gin.Context) {
	var req putStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Paused == nil {
		writeError(c, ErrInvalid)
		return
	}
	if err := h.fw.SetPaused(*req.Paused); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Msg: "OK", Data: h.fw.Status()})
}

type policyBody struct {
	Policy string `json:"policy"`
}

func (h *handler) getPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Data: policyBody{Policy: h.fw.DefaultPolicy().String()}})
}

func (h *handler) putPolicy(c *gin.Context) {
	var req policyBody
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, ErrInvalid)
		return
	}
	p, err := rules.ParsePolicy(req.Policy)
	if err != nil {
		writeError(c, ErrInvalid.withDetail(err))
		return
	}
	if err := h.fw.SetDefaultPolicy(p); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Msg: "OK", Data: policyBody{Policy: p.String()}})
}

type ruleList struct {
	Count int                `json:"count"`
	List  []store.RuleRecord `json:"list"`
}

func (h *handler) getRules(c *gin.Context) {
	uid := -1
	if s := c.Query("uid"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(c, ErrInvalid)
			return
		}
		uid = n
	}
	list := ruleList{List: []store.RuleRecord{}}
	for _, r := range h.fw.Rules(uid) {
		list.List = append(list.List, store.RecordOf(r))
	}
	list.Count = len(list.List)
	c.JSON(http.StatusOK, Response{Data: list})
}

func bindRule(c *gin.Context) (rules.Rule, bool) {
	var rec store.RuleRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		writeError(c, ErrInvalid)
		return rules.Rule{}, false
	}
	r, err := rec.Rule()
	if err != nil {
		writeError(c, ErrInvalid.withDetail(err))
		return rules.Rule{}, false
	}
	return r, true
}

func (h *handler) createRule(c *gin.Context) {
	r, ok := bindRule(c)
	if !ok {
		return
	}
	if err := h.fw.AddRule(r); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Msg: "OK", Data: store.RecordOf(r)})
}

func (h *handler) deleteRule(c *gin.Context) {
	r, ok := bindRule(c)
	if !ok {
		return
	}
	if err := h.fw.RemoveRule(r); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Msg: "OK"})
}

type appView struct {
	UserID    int    `json:"uid"`
	Name      string `json:"name,omitempty"`
	Package   string `json:"package,omitempty"`
	Watched   bool   `json:"watched"`
	RuleCount int    `json:"rules"`
}

func (h *handler) app(uid int, watched bool) appView {
	v := appView{UserID: uid, Watched: watched, RuleCount: len(h.fw.Rules(uid))}
	if id, ok := h.fw.Identity(uid); ok {
		v.Name, v.Package = id.Name, id.Package
	}
	return v
}

func (h *handler) getApps(c *gin.Context) {
	apps := []appView{}
	for _, uid := range h.fw.Watched() {
		apps = append(apps, h.app(uid, true))
	}
	c.JSON(http.StatusOK, Response{Data: apps})
}

type putAppRequest struct {
	Watched *bool `json:"watched"`
}

func (h *handler) putApp(c *gin.Context) {
	uid, err := strconv.Atoi(c.Param("uid"))
	if err != nil || uid < 0 {
		writeError(c, ErrInvalid)
		return
	}
	var req putAppRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Watched == nil {
		writeError(c, ErrInvalid)
		return
	}
	if err := h.fw.SetUserWatched(uid, *req.Watched); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Msg: "OK", Data: h.app(uid, *req.Watched)})
}

type pendingView struct {
	ID        string         `json:"id"`
	App       appView        `json:"app"`
	Packet    *packet.Packet `json:"packet"`
	Direction string         `json:"direction"`
	Fallback  string         `json:"fallback"`
	Created   time.Time      `json:"created"`
	Deadline  time.Time      `json:"deadline"`
}

func (h *handler) getPending(c *gin.Context) {
	list := []pendingView{}
	for _, pd := range h.fw.Pending() {
		v := pendingView{
			ID:       pd.ID,
			App:      h.app(pd.Packet.UserID, false),
			Packet:   pd.Packet,
			Fallback: pd.Fallback.String(),
			Created:  pd.Created,
			Deadline: pd.Deadline,
		}
		if pd.Conn != nil {
			v.Direction = pd.Conn.Direction(pd.Packet).String()
		}
		list = append(list, v)
	}
	c.JSON(http.StatusOK, Response{Data: list})
}

type answerRequest struct {
	CreateRule bool   `json:"create_rule"`
	Redirect   string `json:"redirect"`
}

func (h *handler) answer(accept bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req answerRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				writeError(c, ErrInvalid)
				return
			}
		}
		var redirect *packet.Endpoint
		if req.Redirect != "" {
			e, err := packet.ParseEndpoint(req.Redirect)
			if err != nil {
				writeError(c, ErrInvalid.withDetail(err))
				return
			}
			redirect = &e
		}
		if err := h.fw.Answer(c.Param("id"), accept, req.CreateRule, redirect); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, Response{Msg: "OK"})
	}
}

func (h *handler) getDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, Response{Data: h.fw.Diagnostics().Reports()})
}
