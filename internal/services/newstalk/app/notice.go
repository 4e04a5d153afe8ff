package server

import (
	"golang.org/x/text/feature/plural"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const keyServerFull = "server full"

var noticeLanguages = []language.Tag{language.English, language.Korean}

// notices renders user-facing gateway notices in the client's language.
type notices struct {
	catalog *catalog.Builder
	matcher language.Matcher
}

func newNotices() (*notices, error) {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	if err := b.Set(language.English, keyServerFull,
		plural.Selectf(1, "%d",
			plural.One, "The chat is limited to %d user at a time. Please try again later.",
			plural.Other, "The chat is limited to %d users at a time. Please try again later.",
		),
	); err != nil {
		return nil, err
	}
	if err := b.SetString(language.Korean, keyServerFull, "동시 접속자 수인 %d명을 초과되었습니다. 나중에 다시 시도해주세요."); err != nil {
		return nil, err
	}
	return &notices{catalog: b, matcher: language.NewMatcher(noticeLanguages)}, nil
}

// serverFull renders the capacity notice for an Accept-Language header.
func (n *notices) serverFull(acceptLanguage string, capacity int) string {
	return n.printer(acceptLanguage).Sprintf(keyServerFull, capacity)
}

func (n *notices) printer(acceptLanguage string) *message.Printer {
	tags, _, _ := language.ParseAcceptLanguage(acceptLanguage)
	_, idx, _ := n.matcher.Match(tags...)
	return message.NewPrinter(noticeLanguages[idx], message.Catalog(n.catalog))
}
