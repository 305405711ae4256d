package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	verrors "e2e_vault/internal/errors"
	"e2e_vault/internal/generator"
	"e2e_vault/internal/model"
	"e2e_vault/internal/protocol/envelope"
	"e2e_vault/internal/strength"
	"e2e_vault/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const generatedLength = 20

type (
	// App is the terminal front end over a Vault.
	App struct {
		app    *tview.Application
		pages  *tview.Pages
		login  *tview.Form
		list   *tview.List
		detail *tview.TextView
		status *tview.TextView

		vault     *Vault
		generator *generator.Generator

		ctx     context.Context
		cancel  context.CancelFunc
		items   []SecretSummary
		current *envelope.SecretView
	}
)

func NewApp(vault *Vault) *App {
	return &App{
		app:       tview.NewApplication(),
		vault:     vault,
		generator: generator.New(),
	}
}

// Run blocks until the UI exits.
func (c *App) Run(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.cancel()

	c.pages = tview.NewPages()
	c.pages.AddPage("login", c.renderLogin(), true, true)
	c.pages.AddPage("main", c.renderMain(), true, false)

	return c.app.SetRoot(c.pages, true).EnableMouse(true).Run()
}

func (c *App) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.vault.LoggedIn() {
		if err := c.vault.Logout(context.Background()); err != nil {
			log.Error("logout failed", zap.Error(err))
		}
	}
	c.app.Stop()
}

func (c *App) renderLogin() tview.Primitive {
	c.login = tview.NewForm().
		AddInputField("Email", "", 40, nil, nil).
		AddPasswordField("Password", "", 40, '*', nil)
	c.login.AddButton("Login", func() {
		email, password := c.loginFields()
		go c.doLogin(email, password)
	})
	c.login.AddButton("Register", func() {
		email, password := c.loginFields()
		go c.doRegister(email, password)
	})
	c.login.AddButton("Quit", c.Stop)
	c.login.SetBorder(true).SetTitle(" e2e vault ")
	return center(c.login, 60, 11)
}

func (c *App) loginFields() (string, string) {
	email := c.login.GetFormItemByLabel("Email").(*tview.InputField).GetText()
	password := c.login.GetFormItemByLabel("Password").(*tview.InputField).GetText()
	return email, password
}

func (c *App) resetPassword() {
	c.login.GetFormItemByLabel("Password").(*tview.InputField).SetText("")
}

func (c *App) doLogin(email, password string) {
	_, err := c.vault.Login(c.ctx, email, password)
	c.app.QueueUpdateDraw(func() {
		c.resetPassword()
		if err != nil {
			msg := "Login failed."
			if !errors.Is(err, verrors.ErrAuthenticationFailed) {
				msg = fmt.Sprintf("Login failed: %v", err)
			}
			c.showMessage(msg, "login")
			return
		}
		c.pages.SwitchToPage("main")
		c.app.SetFocus(c.list)
	})
	if err != nil {
		return
	}
	go c.subscribe()
	c.refresh()
}

func (c *App) doRegister(email, password string) {
	err := func() error {
		token, err := c.vault.RequestRegistrationToken(c.ctx, email)
		if err != nil {
			return err
		}
		if token == "" {
			return errors.New("registration token was sent out of band")
		}
		return c.vault.Register(c.ctx, email, password, token)
	}()
	c.app.QueueUpdateDraw(func() {
		if err != nil {
			c.showMessage(fmt.Sprintf("Registration failed: %v", err), "login")
			return
		}
		c.showMessage("Registered. You can log in now.", "login")
	})
}

func (c *App) subscribe() {
	err := c.vault.Subscribe(c.ctx, func(e *model.Event) {
		if e.Type == model.EventSecretChanged || e.Type == model.EventSecretDeleted {
			c.refresh()
		}
	})
	if err != nil {
		log.Warn("event feed stopped", zap.Error(err))
	}
}

func (c *App) renderMain() tview.Primitive {
	c.list = tview.NewList().ShowSecondaryText(true)
	c.list.SetBorder(true).SetTitle(" Secrets ")
	c.list.SetChangedFunc(func(index int, _, _ string, _ rune) {
		c.selectSecret(index)
	})

	c.detail = tview.NewTextView().SetDynamicColors(true).SetWrap(true)
	c.detail.SetBorder(true).SetTitle(" Details ")

	c.status = tview.NewTextView().SetDynamicColors(true)
	c.status.SetText("[yellow]n[-] new  [yellow]b[-] blink password  [yellow]s[-] share  [yellow]u[-] unshare  [yellow]d[-] delete  [yellow]g[-] generate  [yellow]q[-] quit")

	body := tview.NewFlex().
		AddItem(c.list, 0, 1, true).
		AddItem(c.detail, 0, 2, false)

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(body, 0, 1, true).
		AddItem(c.status, 1, 0, false)

	layout.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'q':
			c.Stop()
		case 'n':
			c.showNewSecret()
		case 'b':
			c.blinkField("password")
		case 's':
			c.askEmail("Share with", c.share)
		case 'u':
			c.askEmail("Unshare from", c.unshare)
		case 'd':
			c.deleteCurrent()
		case 'g':
			c.showGenerated()
		default:
			return event
		}
		return nil
	})
	return layout
}

func (c *App) refresh() {
	items, err := c.vault.ListSecrets(c.ctx)
	c.app.QueueUpdateDraw(func() {
		if err != nil {
			c.setStatus("[red]list secrets failed: %v", err)
			return
		}
		c.items = items
		c.list.Clear()
		for _, it := range items {
			main := labelText(it.Label, "name")
			if it.Err != nil {
				main += " [red](unavailable)"
			}
			c.list.AddItem(main, labelText(it.Label, "key"), 0, nil)
		}
	})
}

func labelText(label model.Value, field string) string {
	f, ok := label.Field(field)
	if !ok {
		return ""
	}
	s, ok := f.String()
	if !ok {
		return "(value unavailable)"
	}
	return s
}

func (c *App) selected() (SecretSummary, bool) {
	i := c.list.GetCurrentItem()
	if i < 0 || i >= len(c.items) {
		return SecretSummary{}, false
	}
	return c.items[i], true
}

func (c *App) selectSecret(index int) {
	if index < 0 || index >= len(c.items) {
		return
	}
	id := c.items[index].ID
	go func() {
		view, err := c.vault.OpenSecret(c.ctx, id)
		c.app.QueueUpdateDraw(func() {
			if err != nil {
				c.detail.SetText(fmt.Sprintf("[red]%v", err))
				return
			}
			c.current = view
			view.OnHide(func(string) {
				c.app.QueueUpdateDraw(c.renderDetail)
			})
			c.renderDetail()
		})
	}()
}

func (c *App) renderDetail() {
	sum, ok := c.selected()
	if !ok || c.current == nil {
		c.detail.SetText("")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[yellow]Owner:[-] %s\n", sum.Owner)
	if len(sum.Recipients) > 0 {
		fmt.Fprintf(&b, "[yellow]Shared with:[-] %s\n", strings.Join(sum.Recipients, ", "))
	}
	labels, err := c.current.Labels()
	if err != nil {
		fmt.Fprintf(&b, "[red]%v\n", err)
	}
	for _, name := range envelope.LabelFields {
		fmt.Fprintf(&b, "[yellow]%s:[-] %s\n", name, labelText(labels, name))
	}
	if pw, ok := c.current.Revealed("password"); ok {
		fmt.Fprintf(&b, "[yellow]password:[-] %s\n", pw)
	} else {
		b.WriteString("[yellow]password:[-] ********\n")
	}
	c.detail.SetText(b.String())
}

func (c *App) blinkField(path ...string) {
	if c.current == nil {
		return
	}
	if _, err := c.current.Blink(path...); err != nil {
		c.setStatus("[red]%v", err)
		return
	}
	c.renderDetail()
}

func (c *App) showNewSecret() {
	form := tview.NewForm().
		AddInputField("Name", "", 40, nil, nil).
		AddInputField("Username", "", 40, nil, nil).
		AddPasswordField("Password", "", 40, '*', nil).
		AddInputField("Notes", "", 40, nil, nil)
	meter := tview.NewTextView().SetDynamicColors(true)

	pw := form.GetFormItemByLabel("Password").(*tview.InputField)
	pw.SetChangedFunc(func(text string) {
		meter.SetText(strengthText(strength.Estimate(text)))
	})

	form.AddButton("Generate", func() {
		res, err := c.generator.Generate(generatedLength)
		if err != nil {
			meter.SetText(fmt.Sprintf("[red]%v", err))
			return
		}
		pw.SetText(res.Value)
	})
	form.AddButton("Save", func() {
		payload := model.Fields(map[string]model.Value{
			"name":     model.Leaf(form.GetFormItemByLabel("Name").(*tview.InputField).GetText()),
			"key":      model.Leaf(form.GetFormItemByLabel("Username").(*tview.InputField).GetText()),
			"password": model.Leaf(pw.GetText()),
			"notes":    model.Leaf(form.GetFormItemByLabel("Notes").(*tview.InputField).GetText()),
		})
		c.closeModal("new")
		go func() {
			if _, err := c.vault.CreateSecret(c.ctx, payload); err != nil {
				c.app.QueueUpdateDraw(func() { c.setStatus("[red]create failed: %v", err) })
				return
			}
			c.refresh()
		}()
	})
	form.AddButton("Cancel", func() { c.closeModal("new") })
	form.SetBorder(true).SetTitle(" New secret ")

	box := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(form, 0, 1, true).
		AddItem(meter, 1, 0, false)
	c.pages.AddPage("new", center(box, 64, 16), true, true)
}

func strengthText(s strength.Score) string {
	switch {
	case s.CommonPassword:
		return "[red]common password"
	case s.Strength < 40:
		return fmt.Sprintf("[red]weak (%d)", s.Strength)
	case s.Strength < 75:
		return fmt.Sprintf("[yellow]fair (%d)", s.Strength)
	default:
		return fmt.Sprintf("[green]strong (%d)", s.Strength)
	}
}

func (c *App) showGenerated() {
	res, err := c.generator.Generate(generatedLength)
	if err != nil {
		c.setStatus("[red]%v", err)
		return
	}
	c.showMessage(fmt.Sprintf("%s\n\n%s", res.Value, strengthText(res.Score)), "main")
}

func (c *App) askEmail(title string, then func(email string)) {
	form := tview.NewForm().AddInputField("Email", "", 40, nil, nil)
	form.AddButton("OK", func() {
		email := form.GetFormItemByLabel("Email").(*tview.InputField).GetText()
		c.closeModal("email")
		then(email)
	})
	form.AddButton("Cancel", func() { c.closeModal("email") })
	form.SetBorder(true).SetTitle(" " + title + " ")
	c.pages.AddPage("email", center(form, 60, 7), true, true)
}

func (c *App) share(email string) {
	sum, ok := c.selected()
	if !ok {
		return
	}
	go func() {
		_, err := c.vault.Share(c.ctx, sum.ID, email)
		c.app.QueueUpdateDraw(func() {
			switch {
			case errors.Is(err, verrors.ErrUntrustedKey):
				c.confirm(fmt.Sprintf("%s is not pinned on this device. Trust the key the server reports now?", email), func() {
					go c.pinThenShare(email)
				})
			case errors.Is(err, verrors.ErrKeyMismatch):
				c.showMessage(fmt.Sprintf("The key for %s differs from the pinned key. Sharing was blocked.", email), "main")
			case err != nil:
				c.setStatus("[red]share failed: %v", err)
			default:
				c.setStatus("[green]shared with %s", email)
			}
		})
		if err == nil {
			c.refresh()
		}
	}()
}

func (c *App) pinThenShare(email string) {
	if _, err := c.vault.Pin(c.ctx, email); err != nil {
		c.app.QueueUpdateDraw(func() { c.setStatus("[red]pin failed: %v", err) })
		return
	}
	c.app.QueueUpdateDraw(func() { c.share(email) })
}

func (c *App) unshare(email string) {
	sum, ok := c.selected()
	if !ok {
		return
	}
	go func() {
		_, err := c.vault.Unshare(c.ctx, sum.ID, email)
		c.app.QueueUpdateDraw(func() {
			if err != nil {
				c.setStatus("[red]unshare failed: %v", err)
				return
			}
			c.setStatus("[green]%s removed. Previously shared data stays readable to them.", email)
		})
		c.refresh()
	}()
}

func (c *App) deleteCurrent() {
	sum, ok := c.selected()
	if !ok {
		return
	}
	c.confirm(fmt.Sprintf("Delete %q?", labelText(sum.Label, "name")), func() {
		go func() {
			if err := c.vault.DeleteSecret(c.ctx, sum.ID); err != nil {
				c.app.QueueUpdateDraw(func() { c.setStatus("[red]delete failed: %v", err) })
				return
			}
			c.app.QueueUpdateDraw(func() { c.current = nil })
			c.refresh()
		}()
	})
}

func (c *App) confirm(text string, yes func()) {
	modal := tview.NewModal().
		SetText(text).
		AddButtons([]string{"Yes", "No"}).
		SetDoneFunc(func(_ int, label string) {
			c.closeModal("confirm")
			if label == "Yes" {
				yes()
			}
		})
	c.pages.AddPage("confirm", modal, true, true)
}

func (c *App) showMessage(text, back string) {
	modal := tview.NewModal().
		SetText(text).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(int, string) {
			c.pages.RemovePage("message")
			c.pages.SwitchToPage(back)
		})
	c.pages.AddPage("message", modal, true, true)
}

func (c *App) closeModal(name string) {
	c.pages.RemovePage(name)
	c.app.SetFocus(c.list)
}

func (c *App) setStatus(format string, args ...any) {
	c.status.SetText(fmt.Sprintf(format, args...))
}

func center(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 1, true).
			AddItem(nil, 0, 1, false), width, 1, true).
		AddItem(nil, 0, 1, false)
}
