package locator

// RoleID names a logical UI role.
type RoleID string

const (
	Username      RoleID = "username"
	Password      RoleID = "password"
	Submit        RoleID = "submit"
	LoginError    RoleID = "login-error"
	Challenge     RoleID = "challenge"
	ExportTrigger RoleID = "export-trigger"
	KnownDialog   RoleID = "known-dialog"
	Modal         RoleID = "modal"
	DateFrom      RoleID = "date-from"
	DateTo        RoleID = "date-to"
	Format        RoleID = "format"
	Confirm       RoleID = "confirm"
	DownloadLink  RoleID = "download-link"
	ProbeSubmit   RoleID = "probe-submit"
)

// Role is the ordered strategy list for one RoleID.
type Role struct {
	ID         RoleID
	Strategies []Strategy
	// Fallback keywords for the last-resort scan; empty disables it.
	Fallback []string
	// AcceptHidden skips the visibility filter (presence-only markers).
	AcceptHidden bool
	// RequireText rejects matches with no text (empty alert containers).
	RequireText bool
}

// Table maps role IDs to roles.
type Table map[RoleID]Role

// lastResortCandidates is every clickable-looking element.
const lastResortCandidates = "button, a, input[type='button'], input[type='submit'], [role='button'], [onclick]"

// textInputs are the inputs a date can be typed into.
const textInputs = "input:not([type='radio']):not([type='checkbox']):not([type='hidden']):not([type='submit']):not([type='button'])"

// Labels are the site's UI strings and keyword sets. They are configuration,
// not structure: the portal is Italian today.
type Labels struct {
	ExportTrigger     []string `yaml:"export_trigger"`
	ExportKeywords    []string `yaml:"export_keywords"`
	Submit            []string `yaml:"submit"`
	Confirm           []string `yaml:"confirm"`
	ConfirmAlternates []string `yaml:"confirm_alternates"`
	ConfirmKeywords   []string `yaml:"confirm_keywords"`
	ModalKeywords     []string `yaml:"modal_keywords"`
	DateFromTokens    []string `yaml:"date_from_tokens"`
	DateToTokens      []string `yaml:"date_to_tokens"`
	DownloadKeywords  []string `yaml:"download_keywords"`
}

// DefaultLabels returns the labels of the current ClasseViva markup.
func DefaultLabels() Labels {
	return Labels{
		ExportTrigger:     []string{"Scarica in Excel"},
		ExportKeywords:    []string{"excel", "xls", "esporta", "export", "scarica"},
		Submit:            []string{"Accedi", "Login"},
		Confirm:           []string{"Conferma"},
		ConfirmAlternates: []string{"OK", "Download", "Scarica"},
		ConfirmKeywords:   []string{"conferma", "scarica", "download", "esporta"},
		ModalKeywords:     []string{"export", "esporta", "scarica", "excel", "conferma", "dal", "periodo", "date"},
		DateFromTokens:    []string{"dal", "from", "start", "inizio"},
		DateToTokens:      []string{"_al", "al_", "dateto", "date_to", "todate", "to_date", "enddate", "end_date", "datafine", "data_fine"},
		DownloadKeywords:  []string{".xls", "export", "download", "scarica", "excel"},
	}
}

// Merge returns l with every non-empty list of o replacing its counterpart.
func (l Labels) Merge(o Labels) Labels {
	pick := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = src
		}
	}
	pick(&l.ExportTrigger, o.ExportTrigger)
	pick(&l.ExportKeywords, o.ExportKeywords)
	pick(&l.Submit, o.Submit)
	pick(&l.Confirm, o.Confirm)
	pick(&l.ConfirmAlternates, o.ConfirmAlternates)
	pick(&l.ConfirmKeywords, o.ConfirmKeywords)
	pick(&l.ModalKeywords, o.ModalKeywords)
	pick(&l.DateFromTokens, o.DateFromTokens)
	pick(&l.DateToTokens, o.DateToTokens)
	pick(&l.DownloadKeywords, o.DownloadKeywords)
	return l
}

// SiteRoles builds the role table for the portal.
func SiteRoles(l Labels) Table {
	nameOrID := []string{"name", "id"}
	roles := []Role{
		{
			ID: Username,
			Strategies: []Strategy{
				CSS("#login"),
				CSS("input[name='login']"),
				CSS("input[type='email']"),
				AttrContains("input", nameOrID, []string{"user", "login", "email", "uid"}, "pass"),
			},
		},
		{
			ID: Password,
			Strategies: []Strategy{
				CSS("#password"),
				CSS("input[type='password']"),
			},
		},
		{
			ID: Submit,
			Strategies: []Strategy{
				CSS("input[type='submit']"),
				CSS("button[type='submit']"),
				CSS(".btn-login"),
				Scan("button", l.Submit...),
				Scan("input", l.Submit...),
				CSS("#login-button"),
				CSS(".login-button"),
			},
			Fallback: l.Submit,
		},
		{
			ID: LoginError,
			Strategies: []Strategy{
				CSS(".alert-danger"),
				CSS(".error"),
				CSS(".msg-error"),
				CSS(".alert"),
				CSS("[role='alert']"),
				CSS(".notification-error"),
				CSS(".login-error"),
				CSS("#error"),
				CSS(".error-message"),
			},
			RequireText: true,
		},
		{
			ID: Challenge,
			Strategies: []Strategy{
				CSS("iframe[src*='recaptcha']"),
				CSS(".g-recaptcha"),
				CSS("#recaptcha"),
				CSS("[data-sitekey]"),
				CSS(".captcha"),
			},
			AcceptHidden: true,
		},
		{
			ID: ExportTrigger,
			Strategies: []Strategy{
				Text("button, a, [role='button'], input[type='button'], input[type='submit']", l.ExportTrigger...),
				Attr("[title]", "title", l.ExportTrigger...),
				Attr("[aria-label]", "aria-label", l.ExportTrigger...),
				Text("span, div, td, li", l.ExportTrigger...),
			},
			Fallback: l.ExportKeywords,
		},
		{
			ID: KnownDialog,
			Strategies: []Strategy{
				CSS(".ui-dialog"),
				CSS("[class*='ui-dialog']"),
			},
		},
		{
			ID: Modal,
			Strategies: []Strategy{
				CSS(".modal"),
				CSS(".modal-dialog"),
				CSS(".dialog"),
				CSS("[role='dialog']"),
				CSS("#exportModal"),
				CSS(".popup"),
				CSS("[class*='modal']"),
				CSS("[class*='dialog']"),
				CSS("[id*='modal']"),
				CSS("[id*='dialog']"),
			},
		},
		{
			ID:         DateFrom,
			Strategies: []Strategy{AttrContains(textInputs, nameOrID, l.DateFromTokens)},
		},
		{
			// "al" is a substring of "dal": the to-field must not look like a from-field.
			ID:         DateTo,
			Strategies: []Strategy{AttrContains(textInputs, nameOrID, l.DateToTokens, l.DateFromTokens...)},
		},
		{
			ID: Format,
			Strategies: []Strategy{
				CSS("input[value*='xls']"),
				CSS("input[type='radio'][value*='office']"),
			},
		},
		{
			ID: Confirm,
			Strategies: []Strategy{
				Scan("button", l.Confirm...),
				Scan("a", l.Confirm...),
				Attr("input", "value", l.Confirm...),
				CSS("button.confirm, .btn-confirm, #btn-confirm"),
				Text("button", l.ConfirmAlternates...),
				Scan("button", l.ConfirmAlternates...),
				CSS("[onclick*='download']"),
				CSS("[onclick*='export']"),
			},
			Fallback: l.ConfirmKeywords,
		},
		{
			ID: DownloadLink,
			Strategies: []Strategy{
				CSS("a[href*='.xls']"),
				CSS("a[download]"),
				CSS("a[href*='export']"),
				CSS("[onclick*='download']"),
				CSS("[onclick*='export']"),
			},
		},
		{
			ID: ProbeSubmit,
			Strategies: []Strategy{
				CSS("input[type='submit']"),
				CSS("button[type='submit']"),
				Scan("button", l.Confirm...),
				Scan("button", "Scarica"),
			},
		},
	}

	t := make(Table, len(roles))
	for _, r := range roles {
		t[r.ID] = r
	}
	return t
}
