package sync

import (
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Trigger consumes one notified item. Processing happens asynchronously
// relative to the HTTP response; the trigger typically feeds the group
// processor's dispatch path.
type Trigger func(item ItemInfo)

// dhisResourceKinds maps the webhook path segment onto the item id prefix.
var dhisResourceKinds = map[string]string{
	"trackedEntity": "TRACKED_ENTITY",
	"enrollment":    "ENROLLMENT",
	"event":         "PROGRAM_STAGE_EVENT",
}

var fhirResourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+$`)

// Handler receives change notifications from DHIS2 and the FHIR server.
type Handler struct {
	dhisTrigger Trigger
	fhirTrigger Trigger
	logger      zerolog.Logger
}

func NewHandler(dhisTrigger, fhirTrigger Trigger, logger zerolog.Logger) *Handler {
	return &Handler{
		dhisTrigger: dhisTrigger,
		fhirTrigger: fhirTrigger,
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group, authn echo.MiddlewareFunc) {
	hooks := api.Group("/webhook", authn)
	hooks.POST("/dhis/:resourceType/:resourceID", h.DhisWebhook)
	hooks.POST("/fhir/:resourceType/:resourceID", h.FhirWebhook)
}

// DhisWebhook accepts a DHIS2 change notification. The payload is ignored;
// the notification is an opaque trigger and the current resource state is
// fetched when the item is processed.
func (h *Handler) DhisWebhook(c echo.Context) error {
	kind, ok := dhisResourceKinds[c.Param("resourceType")]
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown resource type")
	}
	id := c.Param("resourceID")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing resource id")
	}

	item := ItemInfo{ID: kind + "/" + id}
	h.logger.Debug().Str("item", item.ID).Msg("dhis notification accepted")
	go h.dhisTrigger(item)
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

// FhirWebhook accepts a FHIR change notification.
func (h *Handler) FhirWebhook(c echo.Context) error {
	resourceType := c.Param("resourceType")
	if !fhirResourceTypePattern.MatchString(resourceType) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown resource type")
	}
	id := c.Param("resourceID")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing resource id")
	}

	item := ItemInfo{ID: resourceType + "/" + id}
	h.logger.Debug().Str("item", item.ID).Msg("fhir notification accepted")
	go h.fhirTrigger(item)
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}
