package whisk

import "github.com/manash/imgbatch/pkg/models"

const (
	imageModelImagen = "IMAGEN_3_5"
	imageModelEdit   = "GEM_PIX"
)

type imageModelSettings struct {
	ImageModel  string             `json:"imageModel"`
	AspectRatio models.AspectRatio `json:"aspectRatio"`
}

// whisk:generateImage
type generateImageRequest struct {
	ClientContext      models.ClientContext `json:"clientContext"`
	ImageModelSettings imageModelSettings   `json:"imageModelSettings"`
	Seed               int64                `json:"seed"`
	Prompt             string               `json:"prompt"`
	MediaCategory      models.Category      `json:"mediaCategory"`
}

// whisk:runImageRecipe
type recipeRequest struct {
	ClientContext      models.ClientContext `json:"clientContext"`
	Seed               int64                `json:"seed"`
	ImageModelSettings imageModelSettings   `json:"imageModelSettings"`
	UserInstruction    string               `json:"userInstruction"`
	RecipeMediaInputs  []recipeMediaInput   `json:"recipeMediaInputs"`
}

type recipeMediaInput struct {
	Caption    string     `json:"caption"`
	MediaInput mediaInput `json:"mediaInput"`
}

type mediaInput struct {
	MediaCategory     models.Category `json:"mediaCategory"`
	MediaGenerationID string          `json:"mediaGenerationId,omitempty"`
	RawBytes          string          `json:"rawBytes,omitempty"`
}

// trpcRequest is the envelope every labs.google tRPC call is sent in.
type trpcRequest[T any] struct {
	JSON T         `json:"json"`
	Meta *trpcMeta `json:"meta,omitempty"`
}

type trpcMeta struct {
	Values map[string][]string `json:"values"`
}

// backbone.uploadImage
type uploadImageInput struct {
	ClientContext    models.ClientContext `json:"clientContext"`
	UploadMediaInput uploadMediaInput     `json:"uploadMediaInput"`
}

type uploadMediaInput struct {
	MediaCategory models.Category `json:"mediaCategory"`
	RawBytes      string          `json:"rawBytes"`
	Caption       string          `json:"caption"`
}

type uploadImageResponse struct {
	Result struct {
		Data struct {
			JSON struct {
				Result struct {
					UploadMediaGenerationID string `json:"uploadMediaGenerationId"`
				} `json:"result"`
			} `json:"json"`
		} `json:"data"`
	} `json:"result"`
}

// backbone.editImage
type editImageInput struct {
	ClientContext      models.ClientContext `json:"clientContext"`
	ImageModelSettings editModelSettings    `json:"imageModelSettings"`
	Flags              struct{}             `json:"flags"`
	EditInput          editInput            `json:"editInput"`
}

type editModelSettings struct {
	ImageModel  string  `json:"imageModel"`
	AspectRatio *string `json:"aspectRatio"`
}

type editInput struct {
	Caption                   string     `json:"caption"`
	UserInstruction           string     `json:"userInstruction"`
	Seed                      *int64     `json:"seed"`
	SafetyMode                *string    `json:"safetyMode"`
	OriginalMediaGenerationID string     `json:"originalMediaGenerationId"`
	MediaInput                mediaInput `json:"mediaInput"`
}

type editImageResponse struct {
	imagePanelsResponse
	Result struct {
		Data struct {
			JSON struct {
				Result *imagePanelsResponse `json:"result"`
			} `json:"json"`
		} `json:"data"`
	} `json:"result"`
}

func (r *editImageResponse) panels() *imagePanelsResponse {
	if inner := r.Result.Data.JSON.Result; inner != nil && inner.ImagePanels != nil {
		return inner
	}
	return &r.imagePanelsResponse
}

type imagePanelsResponse struct {
	ImagePanels []imagePanel `json:"imagePanels"`
}

type imagePanel struct {
	Prompt          string           `json:"prompt"`
	GeneratedImages []generatedImage `json:"generatedImages"`
}

type generatedImage struct {
	EncodedImage      string `json:"encodedImage"`
	MediaGenerationID string `json:"mediaGenerationId"`
	Prompt            string `json:"prompt"`
}

// toImageSet converts the wire panels, stamping each image with the seed the
// request was sent with.
func (r *imagePanelsResponse) toImageSet(seed int64) *models.ImageSet {
	set := &models.ImageSet{Panels: make([]models.Panel, 0, len(r.ImagePanels))}
	for _, p := range r.ImagePanels {
		panel := models.Panel{Prompt: p.Prompt}
		for _, img := range p.GeneratedImages {
			panel.Images = append(panel.Images, models.GeneratedImage{
				EncodedImage:      img.EncodedImage,
				MediaGenerationID: img.MediaGenerationID,
				Seed:              seed,
				Prompt:            img.Prompt,
			})
		}
		set.Panels = append(set.Panels, panel)
	}
	return set
}
