package http

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// maxUploadSize bounds a multipart body. The image limit itself is enforced
// by the sync layer so the error carries a field name.
const maxUploadSize = 8 << 20

type postService interface {
	ListPosts(ctx context.Context, filter domain.ListFilter, page, pageSize int) (*domain.PostPage, error)
	GetByID(ctx context.Context, id string) (*domain.Post, error)
	ListComments(ctx context.Context, postID string) ([]domain.Comment, error)
	CreatePost(ctx context.Context, in domain.CreatePostInput) (*domain.Post, error)
	UpdatePost(ctx context.Context, id string, in domain.UpdatePostInput) (*domain.Post, error)
	DeletePost(ctx context.Context, id string) error
	LikeToggle(ctx context.Context, postID string) (*domain.LikeState, error)
	AddComment(ctx context.Context, postID, body string) (*domain.Comment, error)
}

type postHandler struct {
	log     zerolog.Logger
	encoder encoder
	service postService
}

func newPostHandler(encoder encoder, log zerolog.Logger, service postService) *postHandler {
	return &postHandler{
		log:     log,
		encoder: encoder,
		service: service,
	}
}

func (h postHandler) Routes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)

	r.Route("/{postID}", func(r chi.Router) {
		r.Get("/", h.get)
		r.Patch("/", h.update)
		r.Delete("/", h.delete)
		r.Post("/like", h.like)
		r.Get("/comments", h.listComments)
		r.Post("/comments", h.addComment)
	})
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}

func (h postHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := domain.ListFilter{
		Kind:     domain.ListKind(q.Get("kind")),
		AuthorID: q.Get("author"),
		Query:    q.Get("query"),
	}
	if filter.Kind == "" {
		filter.Kind = domain.ListRecommended
	}

	page, err := intParam(r, "page")
	if err != nil {
		h.encoder.DomainError(w, err, nil)
		return
	}
	pageSize, err := intParam(r, "page_size")
	if err != nil {
		h.encoder.DomainError(w, err, nil)
		return
	}

	result, err := h.service.ListPosts(r.Context(), filter, page, pageSize)
	if err != nil {
		h.fail(w, err, result)
		return
	}

	h.encoder.StatusResponse(r.Context(), w, result, http.StatusOK)
}

func (h postHandler) get(w http.ResponseWriter, r *http.Request) {
	post, err := h.service.GetByID(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		h.fail(w, err, post)
		return
	}

	h.encoder.StatusResponse(r.Context(), w, post, http.StatusOK)
}

func (h postHandler) create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	in, err := decodeCreate(r)
	if err != nil {
		h.encoder.DomainError(w, err, nil)
		return
	}

	post, err := h.service.CreatePost(r.Context(), in)
	if err != nil {
		h.encoder.DomainError(w, err, nil)
		return
	}

	h.encoder.StatusCreatedData(w, post)
}

func (h postHandler) update(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	in, err := decodeUpdate(r)
	if err != nil {
		h.encoder.DomainError(w, err, nil)
		return
	}

	post, err := h.service.UpdatePost(r.Context(), chi.URLParam(r, "postID"), in)
	if err != nil {
		h.encoder.DomainError(w, err, nil)
		return
	}

	h.encoder.StatusResponse(r.Context(), w, post, http.StatusOK)
}

func (h postHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeletePost(r.Context(), chi.URLParam(r, "postID")); err != nil {
		h.encoder.DomainError(w, err, nil)
		return
	}

	h.encoder.NoContent(w)
}

func (h postHandler) like(w http.ResponseWriter, r *http.Request) {
	state, err := h.service.LikeToggle(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		h.encoder.DomainError(w, err, nil)
		return
	}

	h.encoder.StatusResponse(r.Context(), w, state, http.StatusOK)
}

func (h postHandler) listComments(w http.ResponseWriter, r *http.Request) {
	comments, err := h.service.ListComments(r.Context(), chi.URLParam(r, "postID"))
	if err != nil {
		var stale interface{}
		if comments != nil {
			stale = comments
		}
		h.encoder.DomainError(w, err, stale)
		return
	}

	h.encoder.StatusResponse(r.Context(), w, comments, http.StatusOK)
}

type commentRequest struct {
	Content string `json:"content"`
}

func (h postHandler) addComment(w http.ResponseWriter, r *http.Request) {
	var data commentRequest
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		h.encoder.DomainError(w, domain.NewValidationError("content", "invalid request body"), nil)
		return
	}

	comment, err := h.service.AddComment(r.Context(), chi.URLParam(r, "postID"), data.Content)
	if err != nil {
		h.encoder.DomainError(w, err, nil)
		return
	}

	h.encoder.StatusCreatedData(w, comment)
}

// fail writes err, attaching v as stale data when it holds a value.
func (h postHandler) fail(w http.ResponseWriter, err error, v interface{}) {
	var stale interface{}
	switch t := v.(type) {
	case *domain.PostPage:
		if t != nil {
			stale = t
		}
	case *domain.Post:
		if t != nil {
			stale = t
		}
	}

	if stale != nil {
		h.log.Warn().Err(err).Msg("serving stale data")
	}
	h.encoder.DomainError(w, err, stale)
}

type postRequest struct {
	Title   *string  `json:"title"`
	Content *string  `json:"content"`
	Tags    []string `json:"tags"`
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// readForm parses a multipart post form. Tags may be repeated or comma-joined.
func readForm(r *http.Request) (postRequest, *domain.Image, error) {
	var req postRequest

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		return req, nil, domain.NewValidationError("body", "invalid multipart form: %v", err)
	}

	form := r.MultipartForm.Value
	if v, ok := form["title"]; ok && len(v) > 0 {
		req.Title = &v[0]
	}
	if v, ok := form["content"]; ok && len(v) > 0 {
		req.Content = &v[0]
	}
	if v, ok := form["tags"]; ok {
		req.Tags = []string{}
		for _, raw := range v {
			req.Tags = append(req.Tags, strings.Split(raw, ",")...)
		}
	}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil, nil
	}
	if err != nil {
		return req, nil, domain.NewValidationError("image", "could not read upload: %v", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return req, nil, domain.NewValidationError("image", "could not read upload: %v", err)
	}

	return req, &domain.Image{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func readPostRequest(r *http.Request) (postRequest, *domain.Image, error) {
	if isMultipart(r) {
		return readForm(r)
	}

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, nil, domain.NewValidationError("body", "invalid request body")
	}
	return req, nil, nil
}

func decodeCreate(r *http.Request) (domain.CreatePostInput, error) {
	req, img, err := readPostRequest(r)
	if err != nil {
		return domain.CreatePostInput{}, err
	}

	in := domain.CreatePostInput{Tags: req.Tags, Image: img}
	if req.Title != nil {
		in.Title = *req.Title
	}
	if req.Content != nil {
		in.Body = *req.Content
	}
	return in, nil
}

func decodeUpdate(r *http.Request) (domain.UpdatePostInput, error) {
	req, img, err := readPostRequest(r)
	if err != nil {
		return domain.UpdatePostInput{}, err
	}

	return domain.UpdatePostInput{
		Title: req.Title,
		Body:  req.Content,
		Tags:  req.Tags,
		Image: img,
	}, nil
}
