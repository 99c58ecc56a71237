package prompt

import (
	"fmt"
	"strings"

	"github.com/sells-group/lmm-analyzer/internal/model"
)

// instructions precede every batch. The response format section must stay
// in sync with the patterns in grammar.go.
const instructions = `Проанализируй публикации ниже. Для каждой публикации выполни пять шагов:

1. Определи тональность текста: "негативная", "нейтральная" или "позитивная".
2. Выполни NER-анализ относительно главной сущности, указанной в поле "object".
3. Найди в тексте другие сущности и определи их отношения к главной сущности.
4. На основе NER-анализа составь краткое описание из 3-5 предложений.
5. Придумай заголовок для публикации.

ОБЯЗАТЕЛЬНОЕ ПРАВИЛО СОГЛАСОВАННОСТИ: если в разных публикациях совпадает набор сущностей и отношений между ними, тональность, описание и заголовок для них должны быть ПОЛНОСТЬЮ ОДИНАКОВЫМИ.
Для похожих (не обязательно идентичных) публикаций об одних и тех же объектах и действиях тональность и смысл описаний должны совпадать. Рассматривай публикации как группу и используй единый стиль формулировок для однотипного содержания.

ФОРМАТ ОТВЕТА (строго, без отклонений, по одному блоку на каждую публикацию):

` + BlockMarker + ` {post_id}
` + TonalityLabel + `: [негативная/нейтральная/позитивная]
` + DescriptionLabel + `: [3-5 предложений]
` + TitleLabel + `: [заголовок]

Публикации для анализа:
`

// Build renders a batch as a single prompt. Posts are grouped by entity in
// order of first appearance so related posts sit next to each other; posts
// are numbered across the whole batch.
func Build(b model.Batch) string {
	var sb strings.Builder
	sb.WriteString(instructions)

	counter := 1
	for _, g := range groupByEntity(b.Posts) {
		sb.WriteString("\n")
		fmt.Fprintf(&sb, groupHeader, g.entity)
		sb.WriteString("\n")

		for _, p := range g.posts {
			content := strings.TrimSpace(p.Content)
			if content == "" {
				content = emptyContentText
			}

			sb.WriteString("\n")
			fmt.Fprintf(&sb, postHeader, counter, p.ID)
			sb.WriteString("\n")
			fmt.Fprintf(&sb, "post_id: %s\n", p.ID)
			fmt.Fprintf(&sb, "object: %s\n", g.entity)
			fmt.Fprintf(&sb, "content: %s\n", content)
			counter++
		}
	}

	return sb.String()
}

// Order returns the posts of b in the order Build presents them to the
// model.
func Order(b model.Batch) []model.Post {
	out := make([]model.Post, 0, b.Len())
	for _, g := range groupByEntity(b.Posts) {
		out = append(out, g.posts...)
	}
	return out
}

type entityGroup struct {
	entity string
	posts  []model.Post
}

func groupByEntity(posts []model.Post) []entityGroup {
	var groups []entityGroup
	index := make(map[string]int)
	for _, p := range posts {
		entity := strings.TrimSpace(p.Entity)
		if entity == "" {
			entity = unknownEntityLabel
		}
		i, ok := index[entity]
		if !ok {
			i = len(groups)
			index[entity] = i
			groups = append(groups, entityGroup{entity: entity})
		}
		groups[i].posts = append(groups[i].posts, p)
	}
	return groups
}
