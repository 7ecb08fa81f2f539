package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loykin/lunarpod/internal/dispatch"
	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/pod"
	"github.com/loykin/lunarpod/internal/podbay"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type newPodReq struct {
	ID        string `json:"id"`
	Component string `json:"component"`
}

type newPodResp struct {
	PodID idref.Reference `json:"podId"`
}

type commandReq struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args"`
}

type podResp struct {
	pod.Status
	Components []idref.Reference `json:"components"`
}

// DbInfo describes one open database.
type DbInfo struct {
	Name    string          `json:"dbName"`
	ID      idref.Reference `json:"dbId"`
	Type    string          `json:"dbType"`
	Address string          `json:"address"`
	Status  string          `json:"status"`
	PodID   idref.Reference `json:"podId"`
}

func (r *Router) handlePing(c *gin.Context) {
	reply(c, http.StatusOK, gin.H{"message": "pong"})
}

func (r *Router) handleListPods(c *gin.Context) {
	reply(c, http.StatusOK, r.bay.Statuses())
}

func (r *Router) handleNewPod(c *gin.Context) {
	var req newPodReq
	if !bind(c, &req, true) {
		return
	}
	if req.ID != "" {
		if err := validID(req.ID); err != nil {
			fail(c, http.StatusBadRequest, err)
			return
		}
	}
	ref, err := r.bay.NewPod(c.Request.Context(), req.ID, req.Component)
	switch {
	case errors.Is(err, podbay.ErrPodExists):
		fail(c, http.StatusConflict, err)
	case errors.Is(err, pod.ErrUnknownComponent):
		fail(c, http.StatusBadRequest, err)
	case err != nil:
		fail(c, http.StatusInternalServerError, err)
	default:
		reply(c, http.StatusOK, newPodResp{PodID: ref})
	}
}

func (r *Router) handleRemovePod(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		fail(c, http.StatusBadRequest, errors.New("id query param required"))
		return
	}
	if err := r.bay.RemovePod(c.Request.Context(), id); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	reply(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) pod(c *gin.Context) (*pod.LunarPod, bool) {
	p, err := r.bay.GetPod(c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return nil, false
	}
	return p, true
}

func (r *Router) handleGetPod(c *gin.Context) {
	p, ok := r.pod(c)
	if !ok {
		return
	}
	comps := p.Components()
	if comps == nil {
		comps = []idref.Reference{}
	}
	reply(c, http.StatusOK, podResp{Status: p.Status(), Components: comps})
}

func (r *Router) handleExecute(c *gin.Context) {
	p, ok := r.pod(c)
	if !ok {
		return
	}
	var req commandReq
	if !bind(c, &req, false) {
		return
	}
	reply(c, http.StatusOK, dispatch.ExecuteNamed(c.Request.Context(), p, req.Command, req.Args))
}

func (r *Router) handleLifecycle(c *gin.Context) {
	p, ok := r.pod(c)
	if !ok {
		return
	}
	target := c.DefaultQuery("component", pod.All)
	ctx := c.Request.Context()
	var err error
	switch action := c.Param("action"); action {
	case "init":
		err = p.Init(ctx, target)
	case "start":
		err = p.Start(ctx, target)
	case "stop":
		err = p.Stop(ctx, target)
	case "restart":
		err = p.Restart(ctx, target)
	default:
		fail(c, http.StatusNotFound, fmt.Errorf("unknown action %s", action))
		return
	}
	if err != nil {
		fail(c, statusFor(err), err)
		return
	}
	reply(c, http.StatusOK, p.Status())
}

func (r *Router) handleListOpen(c *gin.Context) {
	names := r.bay.GetAllOpenDbNames()
	if names == nil {
		names = []string{}
	}
	reply(c, http.StatusOK, names)
}

func (r *Router) handleOpen(c *gin.Context) {
	var req podbay.OpenRequest
	if !bind(c, &req, false) {
		return
	}
	o, err := r.bay.OpenDb(c.Request.Context(), req)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	reply(c, http.StatusOK, dbInfo(o))
}

func dbInfo(o podbay.Opened) DbInfo {
	return DbInfo{
		Name:    o.Db.Name(),
		ID:      o.Db.ID(),
		Type:    o.Db.Type(),
		Address: o.Address,
		Status:  string(o.Db.Status()),
		PodID:   o.PodID,
	}
}

func (r *Router) db(c *gin.Context) (podbay.Opened, bool) {
	o, ok := r.bay.GetOpenDb(c.Param("id"))
	if !ok {
		fail(c, http.StatusNotFound, fmt.Errorf("%w: %s", podbay.ErrDBNotFound, c.Param("id")))
	}
	return o, ok
}

func (r *Router) handleGetDb(c *gin.Context) {
	o, ok := r.db(c)
	if !ok {
		return
	}
	reply(c, http.StatusOK, dbInfo(o))
}

func (r *Router) handleOperation(c *gin.Context) {
	o, ok := r.db(c)
	if !ok {
		return
	}
	var req commandReq
	if !bind(c, &req, false) {
		return
	}
	reply(c, http.StatusOK, dispatch.OperationNamed(c.Request.Context(), o.Db, req.Command, req.Args))
}

func (r *Router) handleCloseDb(c *gin.Context) {
	if err := r.bay.CloseDb(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, statusFor(err), err)
		return
	}
	reply(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleLogBooks(c *gin.Context) {
	reply(c, http.StatusOK, r.bay.Books().Summaries())
}

func filterFrom(c *gin.Context) (logbook.Filter, error) {
	f := logbook.Filter{PodID: c.Query("pod"), ProcessID: c.Query("process")}
	if s := c.Query("level"); s != "" {
		l, err := logbook.ParseLevel(s)
		if err != nil {
			return f, err
		}
		f.Level = l
	}
	if s := c.Query("last"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, errors.New("last must be a non-negative integer")
		}
		f.Last = n
	}
	return f, nil
}

func (r *Router) handleLogBook(c *gin.Context) {
	f, err := filterFrom(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	entries, err := r.bay.Books().Query(idref.Component(c.Param("logbook")), f)
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	reply(c, http.StatusOK, nonNil(entries))
}

func (r *Router) handleLogs(c *gin.Context) {
	f, err := filterFrom(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	reply(c, http.StatusOK, nonNil(r.bay.Books().Logs(f)))
}

func (r *Router) handleDaemonMetrics(c *gin.Context) {
	latest, ok := r.opts.Resources.Latest()
	resp := gin.H{"enabled": r.opts.Resources.IsEnabled(), "history": r.opts.Resources.History()}
	if ok {
		resp["latest"] = latest
	}
	reply(c, http.StatusOK, resp)
}

func nonNil(es []logbook.Entry) []logbook.Entry {
	if es == nil {
		return []logbook.Entry{}
	}
	return es
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, podbay.ErrPodNotFound), errors.Is(err, podbay.ErrDBNotFound):
		return http.StatusNotFound
	case errors.Is(err, pod.ErrUnknownComponent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
