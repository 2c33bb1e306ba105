// CLAUDE:SUMMARY Renders a skeleton configuration to an HTML fragment via x/net/html node trees.
package skeleton

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Markup renders the configuration as a self-contained HTML fragment.
// Sections become div placeholders with sizing and animation-delay styles;
// text sections render one bar per line with a shortened final line.
func Markup(cfg *Configuration) (string, error) {
	root := element(atom.Div,
		attr("class", "esq-skeleton"),
		attr("data-skeleton-id", cfg.ID),
		attr("data-page", cfg.PageID),
		attr("data-widget", cfg.WidgetID),
		attr("data-template", cfg.Template),
	)

	for _, s := range cfg.Sections {
		root.AppendChild(sectionNode(s, cfg.Animation))
	}

	var sb strings.Builder
	if err := html.Render(&sb, root); err != nil {
		return "", fmt.Errorf("skeleton: render markup: %w", err)
	}
	return sb.String(), nil
}

func sectionNode(s Section, anim AnimationSpec) *html.Node {
	class := "esq-section esq-" + s.Type
	if anim.Type != AnimNone {
		class += " esq-anim-" + anim.Type
	}

	style := fmt.Sprintf("width:%s;height:%s", s.Width, s.Height)
	if s.RevealDelay > 0 {
		style += fmt.Sprintf(";animation-delay:%dms", s.RevealDelay.Milliseconds())
	}

	node := element(atom.Div,
		attr("class", class),
		attr("data-section-id", s.ID),
		attr("data-priority", fmt.Sprintf("%d", s.Priority)),
		attr("style", style),
	)

	if s.Type == SectionText && s.Lines > 1 {
		for i := 0; i < s.Lines; i++ {
			width := "100%"
			if i == s.Lines-1 {
				width = "60%"
			}
			node.AppendChild(element(atom.Div,
				attr("class", "esq-line"),
				attr("style", "width:"+width),
			))
		}
	}
	return node
}

func element(a atom.Atom, attrs ...html.Attribute) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		DataAtom: a,
		Data:     a.String(),
		Attr:     attrs,
	}
}

func attr(key, val string) html.Attribute {
	return html.Attribute{Key: key, Val: val}
}
