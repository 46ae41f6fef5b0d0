package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/storyforge/engine/internal/api/handlers"
	mw "github.com/storyforge/engine/internal/api/middleware"
)

type Dependencies struct {
	ProjectsHandler   *handlers.ProjectsHandler
	NodesHandler      *handlers.NodesHandler
	BlocksHandler     *handlers.BlocksHandler
	VersionsHandler   *handlers.VersionsHandler
	ReferencesHandler *handlers.ReferencesHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	// Built-in middleware
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(mw.RateLimit(10, 20))
	r.Use(chimid.Compress(5))

	// Health endpoints
	hh := handlers.NewHealthHandler()
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)

	r.Route("/api/v1", func(api chi.Router) {
		// Projects
		api.Route("/projects", func(pr chi.Router) {
			pr.Get("/", dep.ProjectsHandler.List)
			pr.Post("/", dep.ProjectsHandler.Create)
			pr.Get("/{id}", dep.ProjectsHandler.Get)
			pr.Post("/{id}/archive", dep.ProjectsHandler.Archive)
			pr.Get("/{projectID}/tree", dep.NodesHandler.Tree)
			pr.Get("/{projectID}/trash", dep.NodesHandler.Trash)
		})

		// Nodes
		api.Route("/nodes", func(nr chi.Router) {
			nr.Post("/", dep.NodesHandler.Create)
			nr.Post("/reorder", dep.NodesHandler.Reorder)
			nr.Get("/{id}", dep.NodesHandler.Get)
			nr.Patch("/{id}", dep.NodesHandler.Update)
			nr.Post("/{id}/move", dep.NodesHandler.Move)
			nr.Delete("/{id}", dep.NodesHandler.Delete)
			nr.Post("/{id}/restore", dep.NodesHandler.Restore)
			nr.Delete("/{id}/purge", dep.NodesHandler.Purge)

			nr.Get("/{nodeID}/blocks", dep.BlocksHandler.ListByNode)
			nr.Get("/{nodeID}/inherited", dep.BlocksHandler.Inherited)
			nr.Post("/{nodeID}/hidden-blocks/{blockID}", dep.BlocksHandler.Hide)
			nr.Delete("/{nodeID}/hidden-blocks/{blockID}", dep.BlocksHandler.Unhide)

			nr.Get("/{nodeID}/versions", dep.VersionsHandler.List)
			nr.Post("/{nodeID}/versions", dep.VersionsHandler.Snapshot)
			nr.Post("/{nodeID}/versions/{version}/restore", dep.VersionsHandler.Restore)

			nr.Post("/{nodeID}/references/sync", dep.ReferencesHandler.Sync)
		})

		// Blocks
		api.Route("/blocks", func(br chi.Router) {
			br.Post("/", dep.BlocksHandler.Create)
			br.Get("/{id}", dep.BlocksHandler.Get)
			br.Put("/{id}/value", dep.BlocksHandler.UpdateValue)
			br.Put("/{id}/definition", dep.BlocksHandler.UpdateDefinition)
			br.Delete("/{id}", dep.BlocksHandler.Delete)
			br.Post("/{id}/detach", dep.BlocksHandler.Detach)
			br.Post("/{id}/reattach", dep.BlocksHandler.Reattach)
			br.Post("/{id}/propagate", dep.BlocksHandler.Propagate)
		})

		// Column groups
		api.Route("/column-groups", func(cr chi.Router) {
			cr.Post("/", dep.BlocksHandler.CreateColumnGroup)
			cr.Delete("/{groupID}", dep.BlocksHandler.DissolveColumnGroup)
		})

		// Backlinks
		api.Get("/references/{targetType}/{targetID}", dep.ReferencesHandler.Backlinks)
	})

	return r
}
