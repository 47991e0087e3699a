// Package crawlers 基于无头浏览器的增量抓取
//
// # 组件
//
//   - Driver: 从WorkQueue取目标,用errgroup运行固定数量的worker,
//     处理失败时按错误类型跳过、指数退避重试或写入死信
//   - SessionPool: 浏览身份(登录Cookie或匿名)的分配、评分和退役
//   - RodBrowser: 每个导航一个独立的浏览器上下文,按会话设置Cookie和代理
//   - Gate: 请求拦截决策,屏蔽图片和统计请求,静态脚本包命中缓存时直接返回
//   - ResourceCache: 静态脚本包的进程内缓存,先写入者生效
//   - Capture: 按到达顺序解析接口响应,去重后输出并推进分页游标
//   - ResourceMonitor: 匿名模式下按内存和CPU限制并发导航数
//
// # 导航流程
//
//	Goto -> 登录检查 -> 404/私密检查 -> 初始数据 -> ItemSpec -> 处理器
//
// 接口响应可能早于ItemSpec到达,Capture通过SpecSignal等待,最长等待一个页面超时。
//
// # 错误处理
//
//   - ErrNotFound/ErrPrivatePage: 跳过,不重试,不输出
//   - ErrCredentialsExhausted: 终止整个运行
//   - 其他错误(包括panic和单目标超时): 重试,耗尽后输出死信记录
package crawlers
