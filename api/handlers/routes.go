package handlers

import "net/http"

// Register 注册全部 API 路由；kh 为 nil 时不注册知识查询
func Register(mux *http.ServeMux, wf *WorkflowHandler, kh *KnowledgeHandler, hh *HealthHandler) {
	mux.HandleFunc("GET /health", hh.HandleHealth)
	mux.HandleFunc("GET /healthz", hh.HandleHealth)
	mux.HandleFunc("GET /ready", hh.HandleReady)
	mux.HandleFunc("GET /readyz", hh.HandleReady)

	mux.HandleFunc("POST /api/v1/workflows", wf.HandleSubmit)
	mux.HandleFunc("GET /api/v1/workflows", wf.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}", wf.HandleGet)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", wf.HandleCancel)
	mux.HandleFunc("GET /api/v1/ratelimit", wf.HandleRateStatus)

	if kh != nil {
		mux.HandleFunc("GET /api/v1/knowledge", kh.HandleList)
		mux.HandleFunc("GET /api/v1/knowledge/{id}", kh.HandleGet)
		mux.HandleFunc("GET /api/v1/knowledge/{id}/related", kh.HandleRelated)
	}
}
