// Package docs serves the OpenAPI description of the HTTP surface and a
// Swagger UI for it.
package docs

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	openapi "github.com/swaggest/openapi-go"
	"github.com/swaggest/openapi-go/openapi3"
	"github.com/swaggest/swgui/v5emb"

	"github.com/playperu/territory/internal/handler/games"
	"github.com/playperu/territory/internal/handler/health"
	"github.com/playperu/territory/internal/packet"
)

type gameParam struct {
	GameID string `path:"gameID"`
}

type socketParams struct {
	Token  string `query:"token" required:"true" description:"Bearer token issued for the user."`
	Game   string `query:"game" required:"true" description:"Game the socket is bound to."`
	Format string `query:"format" enum:"json,msgpack" description:"Outbound frame encoding; msgpack frames are binary."`
}

func newSpec() *openapi3.Spec {
	r := openapi3.NewReflector()
	r.Spec.Info.Title = "Territory API"
	r.Spec.Info.Version = "0.1.0"
	r.Spec.Info.WithDescription("HTTP surface of the territory game server. Gameplay runs over the /ws socket.")

	// GET /healthz
	getHealthz, _ := r.NewOperationContext(http.MethodGet, "/healthz")
	getHealthz.SetSummary("Health check")
	getHealthz.SetDescription("Returns dependency status and live counters.")
	getHealthz.AddRespStructure(health.Response{}, openapi.WithHTTPStatus(http.StatusOK))
	getHealthz.AddRespStructure(health.Response{}, openapi.WithHTTPStatus(http.StatusServiceUnavailable))
	_ = r.AddOperation(getHealthz)

	// GET /ws
	getWS, _ := r.NewOperationContext(http.MethodGet, "/ws")
	getWS.SetSummary("Game socket")
	getWS.SetDescription("Upgrades to a WebSocket carrying {type, data} envelopes in both directions.")
	getWS.AddReqStructure(socketParams{})
	getWS.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusSwitchingProtocols),
		openapi.WithContentType("text/plain"))
	getWS.AddRespStructure(games.ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	_ = r.AddOperation(getWS)

	// GET /api/games
	listGames, _ := r.NewOperationContext(http.MethodGet, "/api/games")
	listGames.SetSummary("List live games")
	listGames.SetDescription("Games currently loaded in memory.")
	listGames.AddRespStructure([]games.GameSummary{}, openapi.WithHTTPStatus(http.StatusOK))
	_ = r.AddOperation(listGames)

	// GET /api/games/{gameID}/dashboard
	dashboard, _ := r.NewOperationContext(http.MethodGet, "/api/games/{gameID}/dashboard")
	dashboard.SetSummary("Dashboard")
	dashboard.SetDescription("The caller's GAME_DATA snapshot. Requires Bearer token.")
	dashboard.AddReqStructure(gameParam{})
	dashboard.AddRespStructure(packet.GameData{}, openapi.WithHTTPStatus(http.StatusOK))
	dashboard.AddRespStructure(games.ErrorResponse{}, openapi.WithHTTPStatus(http.StatusUnauthorized))
	dashboard.AddRespStructure(games.ErrorResponse{}, openapi.WithHTTPStatus(http.StatusForbidden))
	dashboard.AddRespStructure(games.ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	dashboard.AddRespStructure(games.ErrorResponse{}, openapi.WithHTTPStatus(http.StatusConflict))
	_ = r.AddOperation(dashboard)

	// GET /api/games/{gameID}/shop/qr.png
	shopQR, _ := r.NewOperationContext(http.MethodGet, "/api/games/{gameID}/shop/qr.png")
	shopQR.SetSummary("Shop token QR")
	shopQR.SetDescription("PNG QR code of the caller's shop token. Requires Bearer token.")
	shopQR.AddReqStructure(gameParam{})
	shopQR.AddRespStructure(nil, openapi.WithHTTPStatus(http.StatusOK), openapi.WithContentType("image/png"))
	shopQR.AddRespStructure(games.ErrorResponse{}, openapi.WithHTTPStatus(http.StatusNotFound))
	_ = r.AddOperation(shopQR)

	return r.Spec
}

// Mount registers /openapi.json and /docs on r.
func Mount(r chi.Router) {
	data, _ := json.MarshalIndent(newSpec(), "", "  ")
	r.Get("/openapi.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(data)
	})
	r.Mount("/docs", v5emb.New("Territory API", "/openapi.json", "/docs"))
}
