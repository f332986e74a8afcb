// Package ami реализует клиент management-интерфейса Asterisk (AMI)
// для управления исходящими вызовами.
//
// Протокол текстовый и асинхронный: клиент шлёт команды (Action),
// сервер отвечает на них (Response) и параллельно присылает
// незапрошенные события (Event). Одно TCP соединение мультиплексирует
// произвольное число одновременных команд: ответы сопоставляются с
// командами по ActionID, а не по порядку отправки.
//
// Базовое использование:
//
//	client := ami.NewClient(ami.Credentials{
//		Host:     "pbx.local",
//		Port:     5038,
//		Username: "manager",
//		Secret:   "secret",
//	}, ami.WithLogger(logger))
//
//	if err := client.Connect(); err != nil {
//		// ошибка соединения
//	}
//	if err := client.Login(); err != nil {
//		// неверные учётные данные
//	}
//
//	res, err := client.OriginateCall("+79991234567", "SIP", "outbound", "s", 1, "Agent <1000>")
//	if err != nil {
//		// PBX отклонил вызов либо ответ не пришёл
//	}
//
// Прогресс вызова наблюдается асинхронно - через снимки состояния:
//
//	record, _ := client.GetCallStatus(res.CallID)
//	fmt.Println(record.Status) // originating -> dialing -> ringing -> answered -> connected -> ended
//
// либо через колбэки на события:
//
//	client.RegisterCallback("Hangup", func(event ami.Message) {
//		fmt.Printf("канал %s завершён, причина %s\n",
//			event.Get("Channel"), event.Get("Cause"))
//	})
//
// Обработчики вызываются из горутины цикла чтения: долгую работу
// передавайте в собственные горутины.
//
// Завершение:
//
//	client.Disconnect() // best-effort Logoff, остановка цикла чтения
package ami
