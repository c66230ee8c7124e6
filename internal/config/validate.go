package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
	translator   ut.Translator
	validateErr  error
)

func validatorInstance() (*validator.Validate, ut.Translator, error) {
	validateOnce.Do(func() {
		english := en.New()
		translator, _ = ut.New(english, english).GetTranslator("en")

		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(yamlName)
		validateErr = entranslations.RegisterDefaultTranslations(validate, translator)
	})
	return validate, translator, validateErr
}

// Validate checks c against its field rules and a few cross-field ones. All
// problems are reported together, each naming the yaml path.
func (c *Config) Validate() error {
	v, trans, err := validatorInstance()
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}

	var errs []error
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, fmt.Errorf("%s: %s", trimRoot(fe.Namespace()), fe.Translate(trans)))
		}
	}

	if c.Checkpoint.Type == CheckpointTypeFile && c.Checkpoint.Path == "" {
		errs = append(errs, errors.New("checkpoint.path: required for a file checkpoint"))
	}
	if c.Source.Type == SourceTypeRender && c.Source.Render != nil && c.Source.Render.LinkRole != "" {
		if c.Source.Render.LinkRole == c.Source.Render.Primary.Role {
			errs = append(errs, errors.New("source.render.link_role: must differ from the primary role"))
		}
	}
	if c.Enrichment != nil {
		if c.Source.Type == SourceTypeRender && c.Source.Render != nil && c.Source.Render.LinkRole == "" {
			errs = append(errs, errors.New("enrichment: the render source needs a link_role to supply enrichment keys"))
		}
	}
	if c.Credentials.Type == CredentialsTypeNone {
		for _, path := range c.authenticatedCallers() {
			errs = append(errs, fmt.Errorf("credentials.type: %s sends authenticated requests, configure a token, env, login or command", path))
		}
	}
	return errors.Join(errs...)
}

// authenticatedCallers lists the components that fetch with a bearer token.
func (c *Config) authenticatedCallers() []string {
	var paths []string
	switch {
	case c.Source.Type == SourceTypeAPI:
		paths = append(paths, "source.api")
	case c.Source.Type == SourceTypeRender && c.Source.Render != nil && c.Source.Render.Authenticated:
		paths = append(paths, "source.render")
	}
	if e := c.Enrichment; e != nil {
		switch {
		case e.Type == EnrichmentTypeAPI:
			paths = append(paths, "enrichment.api")
		case e.Type == EnrichmentTypeHTML && e.HTML != nil && e.HTML.Authenticated:
			paths = append(paths, "enrichment.html")
		}
	}
	return paths
}
