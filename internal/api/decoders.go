package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/hwdecode/internal/api/models"
	"github.com/smazurov/hwdecode/internal/capture"
)

func (s *Server) registerDecoderRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-decoders",
		Method:      http.MethodGet,
		Path:        "/api/decoders",
		Summary:     "List decoders",
		Tags:        []string{"decoders"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.DecoderListResponse, error) {
		pipelines := s.allPipelines()
		list := make([]models.DecoderData, 0, len(pipelines))
		for _, p := range pipelines {
			list = append(list, decoderToAPI(p))
		}
		return &models.DecoderListResponse{Body: models.DecoderListData{Decoders: list, Count: len(list)}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-decoder",
		Method:      http.MethodGet,
		Path:        "/api/decoders/{name}",
		Summary:     "Get decoder",
		Description: "Lifecycle state, negotiated format and counters of one decoder",
		Tags:        []string{"decoders"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.DecoderRequest) (*models.DecoderResponse, error) {
		p, ok := s.pipeline(input.Name)
		if !ok {
			return nil, huma.Error404NotFound("decoder not found: " + input.Name)
		}
		return &models.DecoderResponse{Body: decoderToAPI(p)}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-decoder-snapshot",
		Method:      http.MethodGet,
		Path:        "/api/decoders/{name}/snapshot",
		Summary:     "Snapshot",
		Description: "The most recently decoded frame as JPEG",
		Tags:        []string{"decoders"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 503},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "JPEG image",
				Content:     map[string]*huma.MediaType{"image/jpeg": {}},
			},
		},
	}, func(_ context.Context, input *models.SnapshotRequest) (*models.SnapshotResponse, error) {
		latest, ok := s.options.Snapshots[input.Name]
		if !ok {
			return nil, huma.Error404NotFound("no snapshots for decoder: " + input.Name)
		}
		img, pts, err := latest.Image()
		if errors.Is(err, capture.ErrNoFrame) {
			return nil, huma.Error503ServiceUnavailable("no frame decoded yet")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("convert frame", err)
		}
		data, err := capture.Encode(img, capture.Options{Quality: input.Quality, MaxWidth: input.MaxWidth})
		if err != nil {
			return nil, huma.Error500InternalServerError("encode snapshot", err)
		}
		return &models.SnapshotResponse{
			ContentType:  "image/jpeg",
			CacheControl: "no-store",
			FramePTS:     pts,
			Body:         data,
		}, nil
	})
}

func decoderToAPI(p Pipeline) models.DecoderData {
	st := p.Stats()
	d := models.DecoderData{
		Name:             st.Name,
		State:            string(st.State),
		Worker:           string(st.Worker),
		PacketsSubmitted: st.PacketsSubmitted,
		PacketsDropped:   st.PacketsDropped,
		FramesDelivered:  st.FramesDelivered,
		FramesDropped:    st.FramesDropped,
	}
	if f := st.Format; !f.IsZero() {
		d.Format = &models.FormatData{
			Codec:        f.Codec.String(),
			PixelFormat:  f.PixelFormat.String(),
			Width:        f.Width,
			Height:       f.Height,
			Colorspace:   f.Colorspace.String(),
			Quantization: f.Quantization.String(),
		}
	}
	if err := p.Err(); err != nil {
		d.Error = err.Error()
	}
	return d
}
