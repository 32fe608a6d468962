package transport

import "net/http"

type Handler interface {
	process(w http.ResponseWriter, r *http.Request)
	task(w http.ResponseWriter, r *http.Request)
	cancel(w http.ResponseWriter, r *http.Request)
	deleteTask(w http.ResponseWriter, r *http.Request)
	tasks(w http.ResponseWriter, r *http.Request)
	batch(w http.ResponseWriter, r *http.Request)
	engines(w http.ResponseWriter, r *http.Request)
	health(w http.ResponseWriter, r *http.Request)
	healthDetailed(w http.ResponseWriter, r *http.Request)
	ready(w http.ResponseWriter, r *http.Request)
	live(w http.ResponseWriter, r *http.Request)
}

type router struct {
	h Handler
}

func NewRouter(h Handler) *router {
	return &router{h: h}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("POST /process", r.h.process)
	mux.HandleFunc("GET /task/{task_id}", r.h.task)
	mux.HandleFunc("DELETE /task/{task_id}", r.h.deleteTask)
	mux.HandleFunc("POST /task/{task_id}/cancel", r.h.cancel)
	mux.HandleFunc("GET /tasks", r.h.tasks)
	mux.HandleFunc("GET /batch/{batch_id}", r.h.batch)
	mux.HandleFunc("GET /engines", r.h.engines)

	mux.HandleFunc("GET /health", r.h.health)
	mux.HandleFunc("GET /health/detailed", r.h.healthDetailed)
	mux.HandleFunc("GET /health/ready", r.h.ready)
	mux.HandleFunc("GET /health/live", r.h.live)

	return mux
}
