package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/courierim/courier/internal/send"
	"github.com/courierim/courier/internal/wire"
)

// MessageHandler exposes the outbound pipeline over HTTP.
type MessageHandler struct {
	pipeline *send.Pipeline
	registry *send.Registry
	logger   *slog.Logger
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(log *slog.Logger, pipeline *send.Pipeline, registry *send.Registry) *MessageHandler {
	return &MessageHandler{
		pipeline: pipeline,
		registry: registry,
		logger:   log.With(slog.String("handler", "messages")),
	}
}

// Register registers all messaging routes.
func (h *MessageHandler) Register(e *echo.Echo) {
	dialogGroup := e.Group("/dialogs/:dialog")
	dialogGroup.POST("/messages", h.SendMessage)
	dialogGroup.POST("/album", h.SendAlbum)
	dialogGroup.GET("/sending", h.Sending)
	dialogGroup.PUT("/messages/:id/media", h.EditMedia)

	e.POST("/messages/:id/retry", h.Retry)
	e.DELETE("/messages/:id", h.CancelMessage)
}

type sendMessageRequest struct {
	Kind    string `json:"kind" validate:"required"`
	Text    string `json:"text,omitempty"`
	Caption string `json:"caption,omitempty"`

	Path     string `json:"path,omitempty"`
	CacheKey string `json:"cache_key,omitempty"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	Width        int  `json:"width,omitempty"`
	Height       int  `json:"height,omitempty"`
	Duration     int  `json:"duration,omitempty"`
	NeedsConvert bool `json:"needs_convert,omitempty"`

	Lat    float64 `json:"lat,omitempty"`
	Lon    float64 `json:"lon,omitempty"`
	Live   bool    `json:"live,omitempty"`
	Period int     `json:"period,omitempty"`

	Phone     string `json:"phone,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`

	Poll *wire.PollMedia `json:"poll,omitempty"`

	Emoticon  string `json:"emoticon,omitempty"`
	ShortName string `json:"short_name,omitempty"`

	Title    string `json:"title,omitempty"`
	Currency string `json:"currency,omitempty"`
	Amount   int64  `json:"amount,omitempty"`

	StickerSet string            `json:"sticker_set,omitempty"`
	Remote     *wire.RemoteMedia `json:"remote,omitempty"`
	Parent     wire.ParentRef    `json:"parent,omitzero"`

	ForwardFromDialog int64  `json:"forward_from_dialog,omitempty"`
	ForwardMessageID  int64  `json:"forward_message_id,omitempty"`
	InlineQueryID     int64  `json:"inline_query_id,omitempty"`
	InlineResultID    string `json:"inline_result_id,omitempty"`

	ReplyTo    int64      `json:"reply_to,omitempty"`
	Silent     bool       `json:"silent,omitempty"`
	ScheduleAt *time.Time `json:"schedule_at,omitempty"`
}

func (r sendMessageRequest) payload() (send.Payload, error) {
	switch send.PayloadKind(r.Kind) {
	case send.KindText:
		if r.Text == "" {
			return nil, errors.New("text is required")
		}
		return send.TextPayload{Text: r.Text}, nil
	case send.KindGeo:
		return send.GeoPayload{Lat: r.Lat, Lon: r.Lon, Live: r.Live, Period: r.Period}, nil
	case send.KindPhoto:
		return send.PhotoPayload{
			Path: r.Path, Caption: r.Caption, Width: r.Width, Height: r.Height,
			CacheKey: r.CacheKey, Remote: r.Remote, Parent: r.Parent,
		}, nil
	case send.KindVideo:
		return send.VideoPayload{
			Path: r.Path, Caption: r.Caption, Width: r.Width, Height: r.Height,
			Duration: r.Duration, NeedsConvert: r.NeedsConvert,
			CacheKey: r.CacheKey, Remote: r.Remote, Parent: r.Parent,
		}, nil
	case send.KindDocument:
		return send.DocumentPayload{
			Path: r.Path, FileName: r.FileName, MimeType: r.MimeType,
			Caption: r.Caption, CacheKey: r.CacheKey,
			StickerSet: r.StickerSet, Remote: r.Remote, Parent: r.Parent,
		}, nil
	case send.KindVoice:
		return send.VoicePayload{Path: r.Path, Duration: r.Duration, Caption: r.Caption}, nil
	case send.KindContact:
		if r.Phone == "" {
			return nil, errors.New("phone is required")
		}
		return send.ContactPayload{Phone: r.Phone, FirstName: r.FirstName, LastName: r.LastName}, nil
	case send.KindPoll:
		if r.Poll == nil {
			return nil, errors.New("poll is required")
		}
		return send.PollPayload{Poll: *r.Poll}, nil
	case send.KindGame:
		return send.GamePayload{ShortName: r.ShortName}, nil
	case send.KindInvoice:
		return send.InvoicePayload{Title: r.Title, Currency: r.Currency, Amount: r.Amount}, nil
	case send.KindDice:
		return send.DicePayload{Emoticon: r.Emoticon}, nil
	case send.KindForward:
		if r.ForwardFromDialog == 0 || r.ForwardMessageID == 0 {
			return nil, errors.New("forward_from_dialog and forward_message_id are required")
		}
		return send.ForwardPayload{FromDialog: r.ForwardFromDialog, MessageID: r.ForwardMessageID}, nil
	case send.KindInlineResult:
		return send.InlineResultPayload{QueryID: r.InlineQueryID, ResultID: r.InlineResultID}, nil
	default:
		return nil, errors.New("unknown payload kind")
	}
}

func (r sendMessageRequest) options() send.SendOptions {
	opt := send.SendOptions{ReplyTo: r.ReplyTo, Silent: r.Silent}
	if r.ScheduleAt != nil {
		opt.ScheduleAt = *r.ScheduleAt
	}
	return opt
}

// SendMessage submits one message into the dialog.
func (h *MessageHandler) SendMessage(c echo.Context) error {
	dialog, err := paramInt64(c, "dialog")
	if err != nil {
		return err
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	payload, err := req.payload()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.pipeline.Send(c.Request().Context(), dialog, payload, req.options())
	if err != nil {
		return sendError(err)
	}
	return c.JSON(http.StatusAccepted, rec)
}

type sendAlbumRequest struct {
	Items      []sendMessageRequest `json:"items" validate:"required,min=1,dive"`
	Silent     bool                 `json:"silent,omitempty"`
	ScheduleAt *time.Time           `json:"schedule_at,omitempty"`
}

// SendAlbum submits a grouped batch into the dialog.
func (h *MessageHandler) SendAlbum(c echo.Context) error {
	dialog, err := paramInt64(c, "dialog")
	if err != nil {
		return err
	}
	var req sendAlbumRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	payloads := make([]send.Payload, 0, len(req.Items))
	for _, item := range req.Items {
		payload, err := item.payload()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		payloads = append(payloads, payload)
	}
	opt := send.SendOptions{Silent: req.Silent}
	if req.ScheduleAt != nil {
		opt.ScheduleAt = *req.ScheduleAt
	}
	recs, err := h.pipeline.SendAlbum(c.Request().Context(), dialog, payloads, opt)
	if err != nil {
		return sendError(err)
	}
	return c.JSON(http.StatusAccepted, recs)
}

// EditMedia replaces the media of a confirmed message.
func (h *MessageHandler) EditMedia(c echo.Context) error {
	dialog, err := paramInt64(c, "dialog")
	if err != nil {
		return err
	}
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	payload, err := req.payload()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.pipeline.EditMedia(c.Request().Context(), dialog, id, payload)
	if err != nil {
		return sendError(err)
	}
	return c.JSON(http.StatusAccepted, rec)
}

// Retry re-enters a failed message.
func (h *MessageHandler) Retry(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	rec, err := h.pipeline.Retry(c.Request().Context(), id)
	if err != nil {
		return sendError(err)
	}
	return c.JSON(http.StatusAccepted, rec)
}

// CancelMessage withdraws an unconfirmed message.
func (h *MessageHandler) CancelMessage(c echo.Context) error {
	id, err := paramInt64(c, "id")
	if err != nil {
		return err
	}
	if err := h.pipeline.Cancel(c.Request().Context(), id); err != nil {
		return sendError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type sendingResponse struct {
	Dialog    int64          `json:"dialog"`
	Sending   bool           `json:"sending"`
	Uploading bool           `json:"uploading"`
	Messages  []*send.Record `json:"messages"`
}

// Sending reports the dialog's in-flight set.
func (h *MessageHandler) Sending(c echo.Context) error {
	dialog, err := paramInt64(c, "dialog")
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sendingResponse{
		Dialog:    dialog,
		Sending:   h.registry.IsSendingInDialog(dialog),
		Uploading: h.registry.IsUploadingInDialog(dialog),
		Messages:  h.registry.SendingInDialog(dialog),
	})
}

func paramInt64(c echo.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be an integer")
	}
	return v, nil
}

// sendError maps pipeline sentinels onto HTTP statuses.
func sendError(err error) error {
	switch {
	case errors.Is(err, send.ErrUnknownMessage):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, send.ErrNotRetryable),
		errors.Is(err, send.ErrEmptyAlbum),
		errors.Is(err, send.ErrAlbumTooLarge),
		errors.Is(err, send.ErrFileMissing),
		errors.Is(err, send.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, send.ErrPermissionDenied):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, send.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
