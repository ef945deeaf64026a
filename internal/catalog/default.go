package catalog

import "time"

// Default is the built-in course drip: a welcome followed by three
// promotional messages after one minute, one day and three days.
func Default() *Catalog {
	return MustNew([]Entry{
		{
			Stage: 0,
			Content: Content{Text: "Добро пожаловать в IT Courses Bot! 🚀\n\n" +
				"Здесь ты будешь получать актуальные рассылки о лучших онлайн-курсах " +
				"по программированию и искусственному интеллекту. Приятного обучения!"},
		},
		{
			Stage:   1,
			Delay:   time.Minute,
			Content: Content{Text: "📚 Первое сообщение. Наш топовый курс по Python..."},
		},
		{
			Stage:   2,
			Delay:   24 * time.Hour,
			Content: Content{Text: "🤖 Второе сообщение. Погрузись в мир ИИ с нашим курсом..."},
		},
		{
			Stage:   3,
			Delay:   3 * 24 * time.Hour,
			Content: Content{Text: "🚀 Третье сообщение. Не упусти шанс стать востребованным специалистом!"},
		},
	})
}
